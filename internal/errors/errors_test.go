package errors

import (
	"errors"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{name: "message only", err: NotFound("job not found"), want: "job not found"},
		{
			name: "with cause",
			err:  Wrap(errors.New("boom"), ErrCodeInternal, "create job"),
			want: "create job: boom",
		},
		{name: "formatted", err: Conflictf("job %s exists", "abc"), want: "job abc exists"},
		{name: "percent without args", err: Validation("100% bad"), want: "100% bad"},
		{name: "verbs kept literally", err: NotFound("missing %s %d"), want: "missing %s %d"},
		{name: "conflict literal", err: Conflict("50%d"), want: "50%d"},
		{name: "internal literal", err: Internal("rate 5%"), want: "rate 5%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConstructors_Codes(t *testing.T) {
	tests := []struct {
		err  *AppError
		want ErrorCode
	}{
		{NotFound("x"), ErrCodeNotFound},
		{Conflict("x"), ErrCodeConflict},
		{Validation("x"), ErrCodeValidation},
		{Internal("x"), ErrCodeInternal},
		{NotFoundf("job %s", "a"), ErrCodeNotFound},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.want {
			t.Errorf("code = %v, want %v", tt.err.Code, tt.want)
		}
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("cause")
	err := Wrapf(cause, ErrCodeUnavailable, "ping %s", "db")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !IsUnavailable(err) {
		t.Errorf("code = %v, want unavailable", GetCode(err))
	}
}

func TestWrap_NilError(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, ErrCodeInternal, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestPredicates(t *testing.T) {
	wrapped := func(e error) error { return errors.Join(errors.New("ctx"), e) }
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"not found", wrapped(NotFoundf("job %s", "x")), IsNotFound},
		{"conflict", wrapped(Conflict("dup")), IsConflict},
		{"validation", wrapped(ValidationField("files", "required")), IsValidation},
		{"timeout", &AppError{Code: ErrCodeTimeout}, IsTimeout},
		{"canceled", &AppError{Code: ErrCodeCanceled}, IsCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.pred(tt.err) {
				t.Errorf("predicate false for %v", tt.err)
			}
			if tt.pred(errors.New("plain")) {
				t.Error("predicate true for plain error")
			}
		})
	}
}

func TestGetField(t *testing.T) {
	if got := GetField(ValidationField("notification_target", "bad url")); got != "notification_target" {
		t.Errorf("GetField() = %q", got)
	}
	if got := GetField(errors.New("plain")); got != "" {
		t.Errorf("GetField() = %q, want empty", got)
	}
	if got := GetCode(Internal("x")); got != ErrCodeInternal {
		t.Errorf("GetCode() = %q", got)
	}
}
