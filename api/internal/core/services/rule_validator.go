package services

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

// Use a single instance of Validate, it caches struct info
var ruleValidate = newRuleValidator()

func newRuleValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire name so errors read like the API.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type machineParams struct {
	App  string `json:"app" validate:"required"`
	IP   string `json:"ip" validate:"required"`
	Port *int   `json:"port" validate:"required,gt=0,lte=65535"`
}

// ValidateIdentity checks the (app, ip, port) triple of a machine.
// app and ip are judged after trimming surrounding whitespace.
func ValidateIdentity(app, ip string, port *int) error {
	return translateValidation(ruleValidate.Struct(machineParams{
		App:  strings.TrimSpace(app),
		IP:   strings.TrimSpace(ip),
		Port: port,
	}))
}

// ValidateNewRule enforces the one-active-threshold invariant of a new rule.
// Supplied negative values count as not set.
func ValidateNewRule(t domain.Thresholds) error {
	if err := checkFinite(t); err != nil {
		return err
	}
	count := 0
	for _, v := range []*float64{t.HighestSystemLoad, t.HighestCPUUsage, t.QPS} {
		if v != nil && *v >= 0 {
			count++
		}
	}
	for _, v := range []*int64{t.AvgRT, t.MaxThread} {
		if v != nil && *v >= 0 {
			count++
		}
	}
	if count != 1 {
		return domain.NewFieldError(domain.ErrInvalidCombination, "thresholds",
			fmt.Sprintf("only one of [highestSystemLoad, highestCpuUsage, avgRt, maxThread, qps] must be set >= 0, but %d values get", count))
	}
	if t.HighestCPUUsage != nil && *t.HighestCPUUsage > 1 {
		return domain.NewFieldError(domain.ErrOutOfRange, string(domain.ThresholdCPUUsage), "must between [0.0, 1.0]")
	}
	return nil
}

// ValidateFieldUpdate range-checks every supplied field of a partial update
// on its own. It never looks across fields.
func ValidateFieldUpdate(u domain.RuleUpdate) error {
	if err := checkFinite(u.Thresholds); err != nil {
		return err
	}
	return translateValidation(ruleValidate.Struct(u))
}

// checkFinite rejects NaN and infinities, which neither compare nor encode to JSON.
func checkFinite(t domain.Thresholds) error {
	for _, f := range []struct {
		kind domain.ThresholdKind
		v    *float64
	}{
		{domain.ThresholdSystemLoad, t.HighestSystemLoad},
		{domain.ThresholdCPUUsage, t.HighestCPUUsage},
		{domain.ThresholdQPS, t.QPS},
	} {
		if f.v != nil && (math.IsNaN(*f.v) || math.IsInf(*f.v, 0)) {
			return domain.NewFieldError(domain.ErrOutOfRange, string(f.kind), "must be a finite number")
		}
	}
	return nil
}

// translateValidation maps validator tags onto the engine's error taxonomy.
// Only the first failing field is reported.
func translateValidation(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return domain.NewFieldError(domain.ErrMissingField, fe.Field(), "can't be null or empty")
	case "gt":
		return domain.NewFieldError(domain.ErrOutOfRange, fe.Field(), "must > "+fe.Param())
	case "gte":
		return domain.NewFieldError(domain.ErrOutOfRange, fe.Field(), "must >= "+fe.Param())
	case "lte":
		return domain.NewFieldError(domain.ErrOutOfRange, fe.Field(), "must <= "+fe.Param())
	default:
		return domain.NewFieldError(domain.ErrOutOfRange, fe.Field(), "failed "+fe.Tag())
	}
}
