package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/semesterpass/backend/internal/contextkeys"
	"github.com/semesterpass/backend/internal/domain"
)

var validate = validator.New()

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// Error writes an error JSON response, using AppError status codes when available.
func Error(w http.ResponseWriter, err error) {
	if appErr, ok := domain.AsAppError(err); ok {
		if appErr.Code >= http.StatusInternalServerError && appErr.Err != nil {
			slog.Error("request failed", "kind", appErr.Kind, "error", appErr.Err)
		}
		JSON(w, appErr.Code, appErr)
		return
	}
	slog.Error("unhandled error", "error", err)
	JSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal server error",
		"kind":  domain.KindInternal,
	})
}

// DecodeJSON decodes a JSON request body into the given struct and validates it.
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrBadRequest("invalid JSON body")
	}
	return Validate(v)
}

// Validate runs struct validation tags and converts failures into a
// validation AppError.
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return domain.ErrValidation(formatValidationErrors(err))
	}
	return nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// userID returns the authenticated user ID, writing a 401 when absent.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := contextkeys.UserIDFrom(r.Context())
	if id == "" {
		Error(w, domain.ErrUnauthorized("unauthorized"))
		return "", false
	}
	return id, true
}
