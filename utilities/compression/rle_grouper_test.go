package compression_test

import (
	"bytes"
	"io"
	"testing"

	c "github.com/dargueta/flashfs/utilities/compression"
)

type GrouperTestCase struct {
	Data           []byte
	ExpectedResult c.ByteRun
	Name           string
}

var grouperTestCases = []GrouperTestCase{
	{[]byte{}, c.ByteRun{}, "empty"},
	{[]byte{0, 0, 1, 0, 0, 0, 0}, c.ByteRun{Byte: 0, RunLength: 2}, "two initial"},
	{[]byte{6, 1, 5, 20, 31}, c.ByteRun{Byte: 6, RunLength: 1}, "one byte"},
	{[]byte{9, 9, 9, 9, 9, 9}, c.ByteRun{Byte: 9, RunLength: 6}, "entire run"},
	{
		bytes.Repeat([]byte{0xFF}, 600),
		c.ByteRun{Byte: 0xFF, RunLength: 600},
		"erased fill",
	},
}

func runGrouperTestCase(t *testing.T, test GrouperTestCase) {
	grouper := c.NewRunLengthGrouper(bytes.NewBuffer(test.Data))
	result, _ := grouper.GetNextRun()
	if result != test.ExpectedResult {
		t.Errorf("Expected %+v, got %+v", test.ExpectedResult, result)
	}
}

func TestRunLengthGrouper__Basic(t *testing.T) {
	for _, test := range grouperTestCases {
		t.Run(
			test.Name,
			func(t *testing.T) {
				runGrouperTestCase(t, test)
			},
		)
	}
}

func TestRunLengthGrouper__Sequence(t *testing.T) {
	data := []byte{1, 9, 4, 4, 4, 4, 4, 6, 6, 0, 1, 0, 0, 0}
	expected := []c.ByteRun{
		{Byte: 1, RunLength: 1}, {Byte: 9, RunLength: 1},
		{Byte: 4, RunLength: 5}, {Byte: 6, RunLength: 2},
		{Byte: 0, RunLength: 1}, {Byte: 1, RunLength: 1},
		{Byte: 0, RunLength: 3}, {},
	}

	buffer := bytes.NewBuffer(data)
	grouper := c.NewRunLengthGrouper(buffer)
	for i, expectedRun := range expected {
		result, err := grouper.GetNextRun()
		if result != expectedRun {
			t.Errorf(
				"run %d is wrong: expected %+v but got %+v",
				i,
				expectedRun,
				result,
			)
		}
		if (expectedRun == c.ByteRun{}) && err != io.EOF {
			t.Errorf("expected err to be io.EOF, got %q", err.Error())
		}
	}
}
