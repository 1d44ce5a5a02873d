package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// Validate is the global validator instance
	Validate *validator.Validate

	phoneRegex     = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`) // E.164 format
	timeOfDayRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

func init() {
	Validate = validator.New()

	// Report JSON field names rather than Go field names.
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	_ = Validate.RegisterValidation("latitude", validateLatitude)
	_ = Validate.RegisterValidation("longitude", validateLongitude)
	_ = Validate.RegisterValidation("phone", validatePhone)
	_ = Validate.RegisterValidation("time_of_day", validateTimeOfDay)
}

// ValidationError collects per-field failures
type ValidationError struct {
	Errors map[string]string
}

// AddError records a failure for field
func (v *ValidationError) AddError(field, message string) {
	if v.Errors == nil {
		v.Errors = make(map[string]string)
	}
	v.Errors[field] = message
}

// HasErrors reports whether any failure was recorded
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Fields returns the failing field names in a stable order
func (v *ValidationError) Fields() []string {
	fields := make([]string, 0, len(v.Errors))
	for f := range v.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, f := range v.Fields() {
		parts = append(parts, fmt.Sprintf("%s: %s", f, v.Errors[f]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError converts validator errors into a ValidationError
func NewValidationError(errs validator.ValidationErrors) *ValidationError {
	v := &ValidationError{Errors: make(map[string]string, len(errs))}
	for _, fe := range errs {
		v.AddError(fieldPath(fe), describe(fe))
	}
	return v
}

// ValidateStruct validates a struct and returns a *ValidationError if validation fails
func ValidateStruct(s interface{}) error {
	err := Validate.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return NewValidationError(validationErrors)
	}
	return err
}

// IsTimeOfDay reports whether s is a 24h "HH:MM" string
func IsTimeOfDay(s string) bool {
	return timeOfDayRegex.MatchString(s)
}

// fieldPath drops the top-level struct name from the namespace
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "latitude":
		return "must be between -90 and 90"
	case "longitude":
		return "must be between -180 and 180"
	case "phone":
		return "must be an E.164 phone number"
	case "time_of_day":
		return "must be HH:MM"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func validateLatitude(fl validator.FieldLevel) bool {
	latitude := fl.Field().Float()
	return latitude >= -90.0 && latitude <= 90.0
}

func validateLongitude(fl validator.FieldLevel) bool {
	longitude := fl.Field().Float()
	return longitude >= -180.0 && longitude <= 180.0
}

func validatePhone(fl validator.FieldLevel) bool {
	return phoneRegex.MatchString(strings.TrimSpace(fl.Field().String()))
}

func validateTimeOfDay(fl validator.FieldLevel) bool {
	return IsTimeOfDay(fl.Field().String())
}
