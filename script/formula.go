package script

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/petal-labs/tagflow/core"
)

// EvalFormula evaluates a math expression over input0..inputN-1 (also
// available as the array inputs). Math.* is the standard JS Math object.
func (s *Sandbox) EvalFormula(expr string, inputs []float64, timeout time.Duration) (float64, error) {
	prog, err := s.compileFormula(expr)
	if err != nil {
		return 0, core.Errorf(core.CodeNodeHandler, "formula: %v", err).WithCause(err)
	}
	vm := goja.New()
	arr := make([]any, len(inputs))
	for i, v := range inputs {
		arr[i] = v
		if err := vm.Set("input"+strconv.Itoa(i), v); err != nil {
			return 0, err
		}
	}
	if err := vm.Set("inputs", arr); err != nil {
		return 0, err
	}

	if timeout <= 0 {
		timeout = time.Second
	}
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(core.Errorf(core.CodeScriptTimeout, "formula exceeded %s", timeout))
	})
	defer timer.Stop()

	val, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if fault, ok := interrupted.Value().(error); ok {
				return 0, fault
			}
		}
		return 0, core.Errorf(core.CodeNodeHandler, "formula: %v", err).WithCause(err)
	}
	f := val.ToFloat()
	if math.IsNaN(f) {
		return 0, core.Errorf(core.CodeNodeHandler, "formula %q did not produce a number", expr)
	}
	return f, nil
}

func (s *Sandbox) compileFormula(expr string) (*goja.Program, error) {
	key := "formula:" + expr
	if p, ok := s.programs.Load(key); ok {
		return p.(*goja.Program), nil
	}
	prog, err := goja.Compile("formula.js", fmt.Sprintf("(%s)", expr), true)
	if err != nil {
		return nil, err
	}
	s.programs.Store(key, prog)
	return prog, nil
}
