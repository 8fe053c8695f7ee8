package withdrawal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tempocall/billing-engine/internal/model"
)

var validate = validator.New()

// pixKeyRules are validator tags for each key type, applied after
// punctuation is stripped from document numbers.
var pixKeyRules = map[model.PixKeyType]string{
	model.PixCPF:    "numeric,len=11",
	model.PixCNPJ:   "numeric,len=14",
	model.PixEmail:  "email,max=77",
	model.PixPhone:  "e164",
	model.PixRandom: "uuid",
}

// ValidatePixKey checks that key is non-empty and shaped like its type.
func ValidatePixKey(keyType model.PixKeyType, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("pix key is required")
	}
	rule, ok := pixKeyRules[keyType]
	if !ok {
		return fmt.Errorf("unknown pix key type %q", keyType)
	}
	if keyType == model.PixCPF || keyType == model.PixCNPJ {
		key = strings.NewReplacer(".", "", "-", "", "/", "").Replace(key)
	}
	if err := validate.Var(key, rule); err != nil {
		return fmt.Errorf("pix key does not match type %s", keyType)
	}
	return nil
}
