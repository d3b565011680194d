package conversation

import (
	"errors"
	"testing"

	"schoolmsg/internal/domain"
)

func TestDeriveKey_Format(t *testing.T) {
	k, err := DeriveKey("g1", "s1", "st1")
	if err != nil {
		t.Fatal(err)
	}
	if k != "guardian_g1_staff_s1_student_st1" {
		t.Fatalf("unexpected key %q", k)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	first, _ := DeriveKey("g", "s", "st")
	for i := 0; i < 50; i++ {
		_, _ = DeriveKey("other", "ids", string(rune('a'+i%26)))
	}
	second, _ := DeriveKey("g", "s", "st")
	if first != second {
		t.Fatalf("keys differ: %q vs %q", first, second)
	}
}

func TestDeriveKey_RoleOrderMatters(t *testing.T) {
	a, _ := DeriveKey("x", "y", "z")
	b, _ := DeriveKey("y", "x", "z")
	if a == b {
		t.Fatal("swapping guardian and staff must give a different key")
	}
}

func TestDeriveKey_EmptyID(t *testing.T) {
	cases := [][3]string{{"", "s", "st"}, {"g", "", "st"}, {"g", "s", ""}}
	for _, c := range cases {
		_, err := DeriveKey(c[0], c[1], c[2])
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("DeriveKey(%q,%q,%q): expected validation error, got %v", c[0], c[1], c[2], err)
		}
	}
}

func TestForParticipants_BothSidesAgree(t *testing.T) {
	fromGuardian, err := ForParticipants(domain.Participant{ID: "g1", Role: domain.RoleGuardian}, "s1", "st1")
	if err != nil {
		t.Fatal(err)
	}
	fromStaff, err := ForParticipants(domain.Participant{ID: "s1", Role: domain.RoleStaff}, "g1", "st1")
	if err != nil {
		t.Fatal(err)
	}
	if fromGuardian != fromStaff {
		t.Fatalf("guardian and staff derived different keys: %q vs %q", fromGuardian, fromStaff)
	}
}

func TestForParticipants_UnknownRole(t *testing.T) {
	if _, err := ForParticipants(domain.Participant{ID: "x", Role: "admin"}, "y", "z"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestParse(t *testing.T) {
	k, _ := DeriveKey("64a1", "64b2", "64c3")
	g, s, st, ok := Parse(k)
	if !ok || g != "64a1" || s != "64b2" || st != "64c3" {
		t.Fatalf("Parse(%q) = %q %q %q %v", k, g, s, st, ok)
	}
	if _, _, _, ok := Parse("room-42"); ok {
		t.Fatal("expected foreign key to fail parsing")
	}
}
