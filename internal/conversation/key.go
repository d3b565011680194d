// Package conversation derives the addresses of guardian/staff threads.
//
// A conversation is never created on its own: it exists as soon as a message
// references its (guardian, staff, student) triple, and the key below is the
// only thing needed to address it on both client and service.
package conversation

import (
	"strings"

	"schoolmsg/internal/domain"
)

const (
	guardianPrefix = "guardian"
	staffPrefix    = "staff"
	studentPrefix  = "student"
)

// Key identifies a conversation.
type Key string

func (k Key) String() string { return string(k) }

// DeriveKey builds the key of the (guardian, staff, student) conversation.
// The token order is fixed by role, so the result depends only on the inputs.
func DeriveKey(guardianID, staffID, studentID string) (Key, error) {
	switch {
	case guardianID == "":
		return "", domain.Invalid("guardianId", "guardian id is required")
	case staffID == "":
		return "", domain.Invalid("staffId", "staff id is required")
	case studentID == "":
		return "", domain.Invalid("studentId", "student id is required")
	}
	return Key(guardianPrefix + "_" + guardianID +
		"_" + staffPrefix + "_" + staffID +
		"_" + studentPrefix + "_" + studentID), nil
}

// ForParticipants derives the key between self and a counterpart of the
// opposite role.
func ForParticipants(self domain.Participant, counterpartID, studentID string) (Key, error) {
	switch self.Role {
	case domain.RoleGuardian:
		return DeriveKey(self.ID, counterpartID, studentID)
	case domain.RoleStaff:
		return DeriveKey(counterpartID, self.ID, studentID)
	default:
		return "", domain.Invalid("role", "unknown role %q", self.Role)
	}
}

// Parse splits a key back into its ids. It only succeeds when the ids
// themselves do not contain the role separators.
func Parse(k Key) (guardianID, staffID, studentID string, ok bool) {
	s := string(k)
	if !strings.HasPrefix(s, guardianPrefix+"_") {
		return "", "", "", false
	}
	s = s[len(guardianPrefix)+1:]
	g, rest, found := strings.Cut(s, "_"+staffPrefix+"_")
	if !found || strings.Contains(rest, "_"+staffPrefix+"_") {
		return "", "", "", false
	}
	st, stu, found := strings.Cut(rest, "_"+studentPrefix+"_")
	if !found || strings.Contains(stu, "_"+studentPrefix+"_") {
		return "", "", "", false
	}
	if g == "" || st == "" || stu == "" {
		return "", "", "", false
	}
	return g, st, stu, true
}
