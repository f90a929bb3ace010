// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared by all Validate methods; validator caches struct
// metadata, so one instance per process is enough.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks payload field values.
func (p Payload) Validate() error {
	return structError(validate.Struct(p))
}

// ValidateRollout checks that pct is a percentage in [0, 100].
func ValidateRollout(pct int) error {
	if pct < 0 || pct > 100 {
		return &ValidationError{Field: "rollout_percentage", Reason: fmt.Sprintf("%d is outside 0-100", pct)}
	}
	return nil
}

// Validate checks topic fields.
func (t Topic) Validate() error {
	return structError(validate.Struct(t))
}

// Validate checks episode fields and the cross-field rules validator tags
// cannot express: saved sources are a subset of returned sources and an
// error message is present iff the episode failed.
func (e Episode) Validate() error {
	if err := structError(validate.Struct(e)); err != nil {
		return err
	}
	if err := (Outcome{SourcesReturned: e.SourcesReturned, SourcesSaved: e.SourcesSaved, FollowupCount: e.FollowupCount}).Validate(); err != nil {
		return err
	}
	switch {
	case e.Status == EpisodeFailed && strings.TrimSpace(e.ErrorMessage) == "":
		return &ValidationError{Field: "error_message", Reason: "required when status is failed"}
	case e.Status != EpisodeFailed && e.ErrorMessage != "":
		return &ValidationError{Field: "error_message", Reason: "only allowed when status is failed"}
	}
	return nil
}

// Validate checks outcome fields.
func (o Outcome) Validate() error {
	if err := structError(validate.Struct(o)); err != nil {
		return err
	}
	for _, s := range o.SourcesSaved {
		if !slices.Contains(o.SourcesReturned, s) {
			return &ValidationError{Field: "sources_saved", Reason: fmt.Sprintf("%q is not in sources_returned", s)}
		}
	}
	return nil
}

// structError converts validator output to a ValidationError naming the
// first failing field.
func structError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &ValidationError{Field: fe.Namespace(), Reason: fmt.Sprintf("failed %q (value %v)", reason, fe.Value())}
	}
	return &ValidationError{Reason: err.Error()}
}
