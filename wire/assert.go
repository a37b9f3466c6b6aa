// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"math"
	"testing"
)

func assertUint16Equal(t *testing.T, expected, actual []uint16) {
	if len(expected) != len(actual) {
		t.Errorf("expected length %d, got %d", len(expected), len(actual))
		return
	}
	for i := range expected {
		if expected[i] != actual[i] {
			t.Errorf("expected %v, got %v", expected, actual)
			return
		}
	}
}

func assertBoolSliceEqual(t *testing.T, expected, actual []bool) {
	if len(expected) != len(actual) {
		t.Errorf("expected length %d, got %d", len(expected), len(actual))
		return
	}
	for i := range expected {
		if expected[i] != actual[i] {
			t.Errorf("expected %v, got %v", expected, actual)
			return
		}
	}
}

func assertBytesEqual(t *testing.T, expected, actual []byte) {
	if len(expected) != len(actual) {
		t.Errorf("expected length %d, got %d", len(expected), len(actual))
		return
	}
	for i := range expected {
		if expected[i] != actual[i] {
			t.Errorf("expected %v, got %v", expected, actual)
			return
		}
	}
}

func assertFloatEqual(t *testing.T, expected, actual float64, tolerance float64) {
	if math.Abs(expected-actual) > tolerance {
		t.Errorf("expected %v, got %v (tolerance %v)", expected, actual, tolerance)
	}
}
