package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var validate = validator.New()

// ValidateRequest checks a submitted transaction. Failures wrap
// domain.ErrValidation and name the offending fields.
func ValidateRequest(req *domain.TransactionRequest) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if req.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", domain.ErrValidation)
	}
	return nil
}

// decodeRequest parses and validates a streamed TransactionRequest.
func decodeRequest(payload []byte) (*domain.TransactionRequest, error) {
	var req domain.TransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	return &req, nil
}
