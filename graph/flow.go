package graph

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/petal-labs/tagflow/core"
)

// ExecutionMode selects how a deployed flow runs.
type ExecutionMode string

const (
	ModeManual     ExecutionMode = "manual"
	ModeContinuous ExecutionMode = "continuous"
)

// Flow is the persisted flow document.
type Flow struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name" validate:"required,max=200"`
	Definition          Definition    `json:"definition"`
	ScanRateMs          int           `json:"scan_rate_ms" validate:"min=100,max=60000"`
	ExecutionMode       ExecutionMode `json:"execution_mode" validate:"oneof=manual continuous"`
	Deployed            bool          `json:"deployed"`
	TestMode            bool          `json:"test_mode"`
	TestDisableWrites   bool          `json:"test_disable_writes"`
	TestAutoExit        bool          `json:"test_auto_exit"`
	TestAutoExitMinutes int           `json:"test_auto_exit_minutes" validate:"min=0,max=1440"`
	LogsEnabled         bool          `json:"logs_enabled"`
	LogsRetentionDays   int           `json:"logs_retention_days" validate:"min=1,max=365"`
	Shared              bool          `json:"shared"`
	Version             int64         `json:"version"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// FlowDefaults are the process-level defaults applied to new flows.
type FlowDefaults struct {
	ScanRateMs        int
	LogsRetentionDays int
}

// ApplyDefaults fills zero-valued settings.
func (f *Flow) ApplyDefaults(d FlowDefaults) {
	if f.ScanRateMs == 0 {
		f.ScanRateMs = d.ScanRateMs
	}
	if f.LogsRetentionDays == 0 {
		f.LogsRetentionDays = d.LogsRetentionDays
	}
	if f.ExecutionMode == "" {
		f.ExecutionMode = ModeManual
	}
	if f.TestAutoExit && f.TestAutoExitMinutes == 0 {
		f.TestAutoExitMinutes = 5
	}
}

// AutoExitAfter returns the test-mode auto-exit duration, or zero.
func (f *Flow) AutoExitAfter() time.Duration {
	if !f.TestAutoExit || f.TestAutoExitMinutes <= 0 {
		return 0
	}
	return time.Duration(f.TestAutoExitMinutes) * time.Minute
}

// ScanRate returns the scan period.
func (f *Flow) ScanRate() time.Duration {
	return time.Duration(f.ScanRateMs) * time.Millisecond
}

// ErrTestModeDeployed is returned when a flow is both deployed and in test mode.
var ErrTestModeDeployed = core.Errorf(core.CodeSessionRunning, "test_mode excludes deployed")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ValidateSettings checks the flow's scalar settings. Definition problems
// are reported by Compile, not here.
func (f *Flow) ValidateSettings() error {
	if f.TestMode && f.Deployed {
		return ErrTestModeDeployed
	}
	err := getValidator().Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		msg := describeFieldError(fe)
		msgs = append(msgs, fe.Field()+": "+msg)
		fields[fe.Field()] = msg
	}
	ce := core.Errorf(core.CodeInvalidSettings, "invalid flow settings: %s", strings.Join(msgs, "; "))
	ce.Details = map[string]any{"fields": fields}
	return ce
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}
