// Package cql holds the protocol vocabulary shared by the pool, the frame codec and the retry policies:
// consistency levels, write types and the error taxonomy of the driver.
//
package cql

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Consistency is the replica-acknowledgment requirement of an operation.
type Consistency uint16

const (
	Any         Consistency = 0x00
	One         Consistency = 0x01
	Two         Consistency = 0x02
	Three       Consistency = 0x03
	Quorum      Consistency = 0x04
	All         Consistency = 0x05
	LocalQuorum Consistency = 0x06
	EachQuorum  Consistency = 0x07
	Serial      Consistency = 0x08
	LocalSerial Consistency = 0x09
	LocalOne    Consistency = 0x0A
)

var consistencyNames = map[Consistency]string{
	Any:         "ANY",
	One:         "ONE",
	Two:         "TWO",
	Three:       "THREE",
	Quorum:      "QUORUM",
	All:         "ALL",
	LocalQuorum: "LOCAL_QUORUM",
	EachQuorum:  "EACH_QUORUM",
	Serial:      "SERIAL",
	LocalSerial: "LOCAL_SERIAL",
	LocalOne:    "LOCAL_ONE",
}

func (c Consistency) String() string {
	if name, ok := consistencyNames[c]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN_CONSISTENCY_0x%04X", uint16(c))
}

// IsSerial reports whether c is one of the serial (lightweight transaction) consistencies.
func (c Consistency) IsSerial() bool {
	return c == Serial || c == LocalSerial
}

// ParseConsistency parses names like "QUORUM" or "local_one".
func ParseConsistency(s string) (Consistency, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for c, name := range consistencyNames {
		if name == want {
			return c, nil
		}
	}

	return 0, errors.Errorf("unknown consistency %q", s)
}

// WriteType is reported by the server in write timeout and write failure errors.
type WriteType string

const (
	WriteTypeSimple        WriteType = "SIMPLE"
	WriteTypeBatch         WriteType = "BATCH"
	WriteTypeUnloggedBatch WriteType = "UNLOGGED_BATCH"
	WriteTypeCounter       WriteType = "COUNTER"
	WriteTypeBatchLog      WriteType = "BATCH_LOG"
	WriteTypeCAS           WriteType = "CAS"
	WriteTypeView          WriteType = "VIEW"
	WriteTypeCDC           WriteType = "CDC"
)
