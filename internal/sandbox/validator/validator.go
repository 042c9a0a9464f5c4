// Package validator adapts gin's go-playground engine to the sandbox's
// error body: json field names and short English messages.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	setup sync.Once
	trans ut.Translator
)

func jsonName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// InitValidator registers json tag names and English translations on gin's
// default engine. Later calls are no-ops.
func InitValidator() {
	setup.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(jsonName)

		locale := en.New()
		trans, _ = ut.New(locale, locale).GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(v, trans)
	})
}

// fieldPath drops the root struct name from a namespace like
// "GenerateRequest.provider".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "required":
		return "is required"
	}
	if trans != nil {
		return fe.Translate(trans)
	}
	return fe.Error()
}

// ParseValidationError maps a binding error to field -> message. Errors that
// cannot be pinned to a field land under "body".
func ParseValidationError(err error) map[string]string {
	fields := make(map[string]string)

	var verrs validator.ValidationErrors
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError

	switch {
	case errors.As(err, &verrs):
		for _, fe := range verrs {
			fields[fieldPath(fe.Namespace())] = message(fe)
		}
	case errors.As(err, &typeErr) && typeErr.Field != "":
		fields[typeErr.Field] = "must be a " + typeErr.Type.String()
	case errors.As(err, &syntaxErr):
		fields["body"] = fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)
	case errors.Is(err, io.EOF):
		fields["body"] = "request body is empty"
	default:
		fields["body"] = "invalid request body"
	}
	return fields
}
