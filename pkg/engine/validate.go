package engine

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateSubroutine checks a subroutine before admission. Atomic
// subroutines carry one retry policy for the whole unit; non-atomic ones
// carry retry policies and callback confirmations per function.
func ValidateSubroutine(sub Subroutine) error {
	if err := validate.Struct(sub); err != nil {
		return NewConfigurationError("invalid subroutine", err).WithCode(ErrCodeValidation)
	}

	if err := validateRetryLogic(sub.RetryLogic); err != nil {
		return err
	}

	for i, fn := range sub.Functions {
		if err := validateRetryLogic(fn.RetryLogic); err != nil {
			return err
		}

		if sub.Kind != SubroutineAtomic {
			continue
		}
		if fn.RetryLogic != nil {
			return NewConfigurationError(
				fmt.Sprintf("function %d: retry logic is not allowed in atomic subroutines", i), nil,
			).WithCode(ErrCodeValidation)
		}
		if fn.CallbackConfirmation != nil {
			return NewConfigurationError(
				fmt.Sprintf("function %d: callback confirmation is not allowed in atomic subroutines", i), nil,
			).WithCode(ErrCodeValidation)
		}
	}

	if sub.Kind == SubroutineNonAtomic && sub.RetryLogic != nil {
		return NewConfigurationError(
			"subroutine retry logic is only allowed in atomic subroutines", nil,
		).WithCode(ErrCodeValidation)
	}

	return nil
}

func validateRetryLogic(rl *RetryLogic) error {
	if rl == nil {
		return nil
	}
	if err := validate.Struct(rl); err != nil {
		return NewConfigurationError("invalid retry logic", err).WithCode(ErrCodeValidation)
	}
	if rl.Interval.Kind == IntervalTime && rl.Interval.Value > MaxTimeIntervalSeconds {
		return NewConfigurationError(
			fmt.Sprintf("retry interval of %d seconds exceeds the maximum of %d", rl.Interval.Value, MaxTimeIntervalSeconds), nil,
		).WithCode(ErrCodeValidation)
	}
	return nil
}

// ValidateBatch checks a full batch, including its priority.
func ValidateBatch(b Batch) error {
	if err := b.Priority.Validate(); err != nil {
		return NewConfigurationError("invalid batch", err).WithCode(ErrCodeUnknownPriority)
	}
	return ValidateSubroutine(b.Subroutine)
}
