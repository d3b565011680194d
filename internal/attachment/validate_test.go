package attachment

import (
	"errors"
	"testing"

	"schoolmsg/internal/domain"
)

func TestValidate_RejectsOversizedFile(t *testing.T) {
	v := Validate(File{SizeBytes: 11_000_000, MediaType: "image/png"})
	if v.Valid {
		t.Fatal("expected rejection for 11MB file")
	}
	if v.Err.Error() != "File size must be less than 10MB" {
		t.Errorf("unexpected error: %q", v.Err)
	}
	if !errors.Is(v.Err, domain.ErrValidation) {
		t.Error("size error should be a validation error")
	}
}

func TestValidate_RejectsUnsupportedType(t *testing.T) {
	v := Validate(File{SizeBytes: 2_000_000, MediaType: "application/zip"})
	if v.Valid {
		t.Fatal("expected rejection for zip")
	}
	if v.Err.Error() != "File type not supported. Please upload images or documents only." {
		t.Errorf("unexpected error: %q", v.Err)
	}
}

func TestValidate_AcceptsPDF(t *testing.T) {
	v := Validate(File{SizeBytes: 2_000_000, MediaType: "application/pdf"})
	if !v.Valid || v.Err != nil {
		t.Fatalf("expected pdf to be accepted, got %+v", v)
	}
}

func TestValidate_SizeBoundary(t *testing.T) {
	if v := Validate(File{SizeBytes: MaxSizeBytes, MediaType: "image/gif"}); !v.Valid {
		t.Errorf("exactly 10MB should be accepted: %v", v.Err)
	}
	if v := Validate(File{SizeBytes: MaxSizeBytes + 1, MediaType: "image/gif"}); v.Valid {
		t.Error("10MB + 1 byte should be rejected")
	}
}

func TestValidate_SizeCheckedBeforeType(t *testing.T) {
	v := Validate(File{SizeBytes: MaxSizeBytes + 1, MediaType: "application/zip"})
	if v.Err == nil || v.Err.Error() != msgTooLarge {
		t.Errorf("expected size error first, got %v", v.Err)
	}
}

func TestAllowed_OfficeFormatsAndParameters(t *testing.T) {
	for _, mt := range []string{
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"IMAGE/PNG",
		"application/pdf; name=report.pdf",
	} {
		if !Allowed(mt) {
			t.Errorf("%q should be allowed", mt)
		}
	}
	for _, mt := range []string{"", "text/plain", "video/mp4", "image/svg+xml"} {
		if Allowed(mt) {
			t.Errorf("%q should not be allowed", mt)
		}
	}
}

func TestDetectMediaType(t *testing.T) {
	if got := DetectMediaType("Report Card.PDF", nil); got != "application/pdf" {
		t.Errorf("pdf: got %q", got)
	}
	if got := DetectMediaType("slides.pptx", nil); got != "application/vnd.openxmlformats-officedocument.presentationml.presentation" {
		t.Errorf("pptx: got %q", got)
	}
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")
	if got := DetectMediaType("noext", png); got != "image/png" {
		t.Errorf("sniffed png: got %q", got)
	}
}
