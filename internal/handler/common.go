package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

// writeError renders err in the response envelope. Anything that is not an
// *errors.AppError is reported as an internal error without its details.
func writeError(w http.ResponseWriter, err error) {
	appErr := errors.As(err)
	if appErr.Code == errors.InternalError {
		appErr = errors.NewAppError(errors.InternalError, "an unexpected error occurred")
	}

	w.Header().Set("Content-Type", "application/json")
	if appErr.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(appErr.HTTPStatus())
	json.NewEncoder(w).Encode(Response{Error: &Error{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// An empty body is accepted for requests whose fields are all optional.
func decodeAndValidate(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return errors.NewAppError(errors.ValidationError, "request validation failed").WithDetails(validationDetails(err))
	}
	return nil
}

func validationDetails(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fe.Field()+": "+fe.Tag()+"="+fe.Param())
		} else {
			parts = append(parts, fe.Field()+": "+fe.Tag())
		}
	}
	return strings.Join(parts, "; ")
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, errors.NewAppErrorf(errors.InvalidInput, "invalid %s", name).WithDetails(err.Error())
	}
	return id, nil
}

func parseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.NewAppErrorf(errors.InvalidInput, "invalid %s", field).WithDetails(err.Error())
	}
	return id, nil
}

func parseMoney(field, amount, currency string) (domain.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Money{}, errors.NewAppErrorf(errors.InvalidInput, "invalid %s", field).WithDetails(err.Error())
	}
	return domain.NewMoney(d, domain.Currency(strings.ToUpper(currency)))
}

// parseOptionalMoney returns nil for an empty amount.
func parseOptionalMoney(field, amount, currency string) (*domain.Money, error) {
	if amount == "" {
		return nil, nil
	}
	m, err := parseMoney(field, amount, currency)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := parseUUID(name, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "invalid %s, expected RFC3339", name)
	}
	return &t, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewAppErrorf(errors.InvalidInput, "invalid %s", name)
	}
	return n, nil
}
