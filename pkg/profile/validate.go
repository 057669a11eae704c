package profile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

//go:embed profile.schema.json
var profileSchemaJSON string

const profileSchemaURL = "https://sanctuary.schemas.local/profile/user_safety_profile.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func profileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(profileSchemaURL, bytes.NewReader([]byte(profileSchemaJSON))); err != nil {
			schemaErr = fmt.Errorf("profile schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(profileSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateDocument checks a raw JSON profile document against the schema.
func ValidateDocument(data []byte) error {
	schema, err := profileSchema()
	if err != nil {
		return contracts.NewSystemError(contracts.ErrInvalidProfile, "profile schema unavailable", err, false)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return contracts.NewValidationError(contracts.ErrInvalidProfile, "profile document is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return &contracts.SafetyError{
			Kind:   contracts.KindValidationFailed,
			Code:   contracts.ErrInvalidProfile,
			Reason: "profile document does not match the profile schema",
			Err:    err,
		}
	}
	return nil
}

// Validate checks the semantic constraints of a profile.
func Validate(p contracts.UserSafetyProfile) error {
	if p.UserID == "" {
		return contracts.NewValidationError(contracts.ErrInvalidProfile, "profile has no user id")
	}
	if p.Consent != "" && !p.Consent.Valid() {
		return contracts.NewValidationError(contracts.ErrInvalidProfile,
			fmt.Sprintf("unknown consent status %q", p.Consent))
	}
	for _, cp := range p.ContentPreferences {
		if cp.Category == "" {
			return contracts.NewValidationError(contracts.ErrInvalidProfile, "content preference has no category")
		}
		if cp.MaxIntensity < contracts.IntensityNone || cp.MaxIntensity > contracts.IntensityExtreme {
			return contracts.NewValidationError(contracts.ErrInvalidProfile,
				fmt.Sprintf("content preference %s has an invalid max intensity", cp.Category))
		}
	}
	for _, b := range p.Boundaries {
		if err := validateBoundary(b); err != nil {
			return err
		}
	}
	return nil
}

func validateBoundary(b contracts.Boundary) error {
	if b.ID == "" || b.Category == "" {
		return contracts.NewValidationError(contracts.ErrInvalidProfile, "boundary requires an id and a category")
	}
	if !b.Type.Valid() {
		return contracts.NewValidationError(contracts.ErrInvalidProfile,
			fmt.Sprintf("boundary %s has unknown type %q", b.ID, b.Type))
	}
	for _, a := range b.Actions {
		if !a.Valid() {
			return contracts.NewValidationError(contracts.ErrInvalidProfile,
				fmt.Sprintf("boundary %s has unknown action %q", b.ID, a))
		}
	}
	return nil
}
