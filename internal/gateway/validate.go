package gateway

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"schoolmsg/internal/domain"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

const notBlankTag = "notblank"

func init() {
	validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Report JSON names, the ones users see on the wire.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		return ok && strings.TrimSpace(s) != ""
	})
	_ = validate.RegisterTranslation(notBlankTag, translator,
		func(ut.Translator) error { return nil },
		func(_ ut.Translator, fe validator.FieldError) string {
			return fe.Field() + " cannot be blank"
		})
}

// checkStruct validates v and reports the first failure as a domain
// validation error.
func checkStruct(v any) error {
	return asValidation(validate.Struct(v))
}

// checkDecoded validates data the service sent back: a pointer to a struct
// or to a slice of structs. Failures are plain errors, not validation errors,
// since the request itself went through.
func checkDecoded(out any) error {
	v := reflect.Indirect(reflect.ValueOf(out))
	if v.Kind() != reflect.Slice {
		return firstFailure(validate.Struct(v.Interface()))
	}
	for i := 0; i < v.Len(); i++ {
		if err := firstFailure(validate.Struct(v.Index(i).Interface())); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

// firstFailure reduces a validator error to its first translated message.
func firstFailure(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return errors.New(verrs[0].Translate(translator))
	}
	return err
}

func asValidation(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return domain.Invalid(fe.Field(), "%s", fe.Translate(translator))
	}
	return domain.Invalid("", "%v", err)
}

// checkDraft validates a draft. Text content is mandatory unless a file
// travels with it.
func checkDraft(d domain.Draft, withFile bool) error {
	if err := checkStruct(d); err != nil {
		return err
	}
	if !withFile {
		if err := asValidation(validate.Var(d.Content, notBlankTag)); err != nil {
			return domain.Invalid("content", "message content is required")
		}
	}
	return nil
}
