package value

import (
	"math"
	"testing"
)

func TestArithmeticPromotion(t *testing.T) {
	r, err := Add(Integer(2), Integer(3))
	if err != nil || r.Kind() != KindInteger || r.AsInt() != 5 {
		t.Fatalf("Add(2,3) = %v, %v", r, err)
	}

	r, err = Add(Integer(2), Float(1.5))
	if err != nil || r.Kind() != KindFloat || r.AsFloat() != 3.5 {
		t.Fatalf("Add(2,1.5) = %v, %v", r, err)
	}

	r, err = Add(String("a"), Integer(3))
	if err != nil || r.Kind() != KindString || r.AsString() != "a3" {
		t.Fatalf("Add(\"a\",3) = %v, %v", r, err)
	}
}

func TestDivModByZero(t *testing.T) {
	if _, err := Div(Integer(1), Integer(0)); err == nil {
		t.Fatal("expected division by zero error")
	}
	if _, err := Mod(Integer(1), Integer(0)); err == nil {
		t.Fatal("expected modulo by zero error")
	}
	r, err := Div(Float(1), Float(0))
	if err != nil {
		t.Fatalf("float division by zero should not error: %v", err)
	}
	if !math.IsInf(r.AsFloat(), 1) {
		t.Fatalf("expected +Inf, got %v", r.AsFloat())
	}
}

func TestComparisonsAndEquality(t *testing.T) {
	if Eq(Integer(1), Float(1)).IsTruthy() {
		t.Fatal("1 == 1.0 should be false: == never promotes across Kind")
	}
	if !Ne(Integer(1), Float(1)).IsTruthy() {
		t.Fatal("1 != 1.0 should be true: == never promotes across Kind")
	}
	if Eq(Integer(1), String("1")).IsTruthy() {
		t.Fatal("Integer and String should never be equal")
	}
	lt, err := Lt(Integer(1), Integer(2))
	if err != nil || !lt.IsTruthy() {
		t.Fatalf("1 < 2 should be true: %v %v", lt, err)
	}
	if _, err := Lt(Integer(1), String("x")); err == nil {
		t.Fatal("expected type mismatch comparing Integer and String")
	}
	// Le/Ge are defined in terms of Lt plus the promoting equal(), unlike
	// Eq itself, so 1 <= 1.0 is true even though 1 == 1.0 is false.
	le, err := Le(Integer(1), Float(1))
	if err != nil || !le.IsTruthy() {
		t.Fatalf("1 <= 1.0 should be true (ordered comparisons promote): %v %v", le, err)
	}
}

func TestShiftRangeChecked(t *testing.T) {
	if _, err := Shl(Integer(1), Integer(64)); err == nil {
		t.Fatal("expected range error for shift amount 64")
	}
	r, err := Shl(Integer(1), Integer(4))
	if err != nil || r.AsInt() != 16 {
		t.Fatalf("1 << 4 = %v, %v", r, err)
	}
}

func TestTruthinessAndDisplay(t *testing.T) {
	if Integer(0).IsTruthy() {
		t.Fatal("Integer(0) should be falsy")
	}
	if !String("x").IsTruthy() {
		t.Fatal("non-empty string should be truthy")
	}
	if None.IsTruthy() {
		t.Fatal("None should be falsy")
	}
	if Integer(42).Display() != "42" {
		t.Fatalf("Display() = %q", Integer(42).Display())
	}
}

func TestStringRefcountSharing(t *testing.T) {
	v := String("shared")
	dup := v.Retain()
	if dup.AsString() != v.AsString() {
		t.Fatal("retained copy should observe the same payload")
	}
	v.Release()
	dup.Release()
}
