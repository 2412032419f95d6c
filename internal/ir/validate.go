package ir

import (
	"fmt"
	"strings"
)

// Validation error codes (E200-E299)
const (
	// Structural errors (E200-E209)
	ErrMissingVersion    = "E200" // ir_version is required
	ErrVersionMismatch   = "E201" // unsupported ir_version
	ErrNoDataSources     = "E202" // at least one data source required
	ErrNoDeliveryRules   = "E203" // at least one delivery rule required
	ErrInvalidEnumValue  = "E204" // value outside allowed enum
	ErrEmptyRequiredText = "E205" // required string field is empty

	// Resolution errors (E210-E219)
	ErrUnresolvedPlugin    = "E210" // plugin_key not resolved
	ErrUnresolvedOperation = "E211" // operation_type not resolved

	// Forbidden-token errors (E220-E229)
	ErrForbiddenToken = "E220" // execution detail leaked into IR

	// Semantic errors (E230-E239)
	ErrNilFilterField      = "E230" // filter condition with nil field
	ErrGroupingRequired    = "E231" // per-group delivery without grouping block
	ErrUnknownGroupValue   = "E232" // group_value not among partition values
	ErrDuplicateSourceName = "E233" // duplicate data source name
)

// ValidationError represents an IR validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates a declarative IR against schema rules.
// Three independent checks combined: structural shape, forbidden-token scan
// over the serialized IR, and semantic rules. Returns all errors found
// (does not fail-fast). This is the only place these invariants are
// enforced; downstream components must not tolerate a violation.
func Validate(spec *IR) []ValidationError {
	var errs []ValidationError
	errs = append(errs, validateStructure(spec)...)
	errs = append(errs, validateForbidden(spec)...)
	errs = append(errs, validateSemantics(spec)...)
	return errs
}

func validateStructure(spec *IR) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(spec.IRVersion) == "" {
		errs = append(errs, ValidationError{
			Field:   "ir_version",
			Message: "ir_version is required",
			Code:    ErrMissingVersion,
		})
	} else if spec.IRVersion != Version {
		errs = append(errs, ValidationError{
			Field:   "ir_version",
			Message: fmt.Sprintf("unsupported ir_version %q, expected %q", spec.IRVersion, Version),
			Code:    ErrVersionMismatch,
		})
	}

	if len(spec.DataSources) == 0 {
		errs = append(errs, ValidationError{
			Field:   "data_sources",
			Message: "at least one data source is required",
			Code:    ErrNoDataSources,
		})
	}

	if len(spec.DeliveryRules) == 0 {
		errs = append(errs, ValidationError{
			Field:   "delivery_rules",
			Message: "at least one delivery rule is required",
			Code:    ErrNoDeliveryRules,
		})
	}

	sourceNames := make(map[string]bool)
	for i, ds := range spec.DataSources {
		if sourceNames[ds.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("data_sources[%d].name", i),
				Message: fmt.Sprintf("duplicate data source name: %q", ds.Name),
				Code:    ErrDuplicateSourceName,
			})
		}
		sourceNames[ds.Name] = true

		if strings.TrimSpace(ds.PluginKey) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("data_sources[%d].plugin_key", i),
				Message: fmt.Sprintf("data source %q has no resolved plugin_key", ds.Name),
				Code:    ErrUnresolvedPlugin,
			})
		}
		if strings.TrimSpace(ds.OperationType) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("data_sources[%d].operation_type", i),
				Message: fmt.Sprintf("data source %q has no resolved operation_type", ds.Name),
				Code:    ErrUnresolvedOperation,
			})
		}
	}

	for i, op := range spec.AIOperations {
		if !ValidAIOpKinds[op.Kind] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("ai_operations[%d].kind", i),
				Message: fmt.Sprintf("invalid AI operation kind %q", op.Kind),
				Code:    ErrInvalidEnumValue,
			})
		}
		if strings.TrimSpace(op.Instruction) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("ai_operations[%d].instruction", i),
				Message: fmt.Sprintf("AI operation %q requires a non-empty instruction", op.Name),
				Code:    ErrEmptyRequiredText,
			})
		}
	}

	for i, f := range spec.Filters {
		if f.Op != "" && !ValidFilterOps[f.Op] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("filters[%d].op", i),
				Message: fmt.Sprintf("invalid filter operator %q", f.Op),
				Code:    ErrInvalidEnumValue,
			})
		}
	}
	for i, f := range spec.PostAIFilters {
		if f.Op != "" && !ValidFilterOps[f.Op] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("post_ai_filters[%d].op", i),
				Message: fmt.Sprintf("invalid filter operator %q", f.Op),
				Code:    ErrInvalidEnumValue,
			})
		}
	}

	return errs
}

func validateForbidden(spec *IR) []ValidationError {
	hits, err := ScanForbidden(spec)
	if err != nil {
		return []ValidationError{{
			Field:   "ir",
			Message: err.Error(),
			Code:    ErrForbiddenToken,
		}}
	}

	var errs []ValidationError
	for _, hit := range hits {
		errs = append(errs, ValidationError{
			Field:   "ir",
			Message: fmt.Sprintf("forbidden token %q found: ...%s...", hit.Token, hit.Context),
			Code:    ErrForbiddenToken,
		})
	}
	return errs
}

func validateSemantics(spec *IR) []ValidationError {
	var errs []ValidationError

	// A nil filter field is always an error, never "match anything".
	for i, f := range spec.Filters {
		if f.Field == nil || strings.TrimSpace(*f.Field) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("filters[%d].field", i),
				Message: "filter condition must name a concrete field",
				Code:    ErrNilFilterField,
			})
		}
	}
	for i, f := range spec.PostAIFilters {
		if f.Field == nil || strings.TrimSpace(*f.Field) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("post_ai_filters[%d].field", i),
				Message: "filter condition must name a concrete field",
				Code:    ErrNilFilterField,
			})
		}
	}

	partitionValues := make(map[string]bool)
	for _, p := range spec.Partitions {
		for _, v := range p.Values {
			partitionValues[v] = true
		}
	}

	for i, d := range spec.DeliveryRules {
		if strings.TrimSpace(d.PluginKey) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("delivery_rules[%d].plugin_key", i),
				Message: fmt.Sprintf("delivery rule %q has no resolved plugin_key", d.Target),
				Code:    ErrUnresolvedPlugin,
			})
		}
		if strings.TrimSpace(d.OperationType) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("delivery_rules[%d].operation_type", i),
				Message: fmt.Sprintf("delivery rule %q must name an operation_type alongside its plugin_key", d.Target),
				Code:    ErrUnresolvedOperation,
			})
		}
		if d.PerGroup && spec.Grouping == nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("delivery_rules[%d].per_group", i),
				Message: "per_group delivery requires a grouping block",
				Code:    ErrGroupingRequired,
			})
		}
		if d.GroupValue != nil && len(partitionValues) > 0 && !partitionValues[*d.GroupValue] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("delivery_rules[%d].group_value", i),
				Message: fmt.Sprintf("group_value %q is not among the declared partition values", *d.GroupValue),
				Code:    ErrUnknownGroupValue,
			})
		}
	}

	return errs
}
