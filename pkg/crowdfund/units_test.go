package crowdfund

import (
	"errors"
	"math/big"
	"testing"
)

func TestToBaseUnitsRoundTrip(test *testing.T) {
	test.Parallel()
	inputs := []string{"1.0", "0.25", "250.5", "0.000000000000000001", "123456789.123456789123456789"}
	for _, input := range inputs {
		input := input
		test.Run(input, func(test *testing.T) {
			test.Parallel()
			amount, err := ToBaseUnits(input)
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if rendered := ToDecimalString(amount); rendered != input {
				test.Fatalf("expected %q, got %q", input, rendered)
			}
		})
	}
}

func TestToBaseUnitsScaling(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "whole", input: "1", expected: "1000000000000000000"},
		{name: "fraction", input: "0.5", expected: "500000000000000000"},
		{name: "leading dot", input: ".5", expected: "500000000000000000"},
		{name: "trailing dot", input: "2.", expected: "2000000000000000000"},
		{name: "smallest unit", input: "0.000000000000000001", expected: "1"},
		{name: "padded", input: "  3  ", expected: "3000000000000000000"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			amount, err := ToBaseUnits(testCase.input)
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if amount.String() != testCase.expected {
				test.Fatalf("expected %s, got %s", testCase.expected, amount.String())
			}
		})
	}
}

func TestToBaseUnitsRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	inputs := []string{"0", "-1", "", "abc", "0.0", ".", "1.2.3", "1e18", "0.0000000000000000001", "+1"}
	for _, input := range inputs {
		input := input
		test.Run(input, func(test *testing.T) {
			test.Parallel()
			if _, err := ToBaseUnits(input); !errors.Is(err, ErrInvalidAmount) {
				test.Fatalf("expected ErrInvalidAmount for %q, got %v", input, err)
			}
		})
	}
}

func TestToDecimalStringZeroAndWhole(test *testing.T) {
	test.Parallel()
	if rendered := ToDecimalString(BaseUnits{}); rendered != "0.0" {
		test.Fatalf("expected 0.0, got %s", rendered)
	}
	if rendered := ToDecimalString(BaseUnitsFromUint64(250)); rendered != "0.00000000000000025" {
		test.Fatalf("unexpected rendering %s", rendered)
	}
}

func TestNewBaseUnitsRejectsNegative(test *testing.T) {
	test.Parallel()
	if _, err := NewBaseUnits(big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := NewBaseUnits(nil); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
}

func TestBaseUnitsBigIntIsCopy(test *testing.T) {
	test.Parallel()
	amount := BaseUnitsFromUint64(10)
	amount.BigInt().SetInt64(99)
	if amount.String() != "10" {
		test.Fatalf("expected amount to stay 10, got %s", amount.String())
	}
}
