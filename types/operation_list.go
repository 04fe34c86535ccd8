package types

import (
	"sort"
	"strings"
)

// OperationList is an ordered list of operations applied to a source image
type OperationList struct {
	identifier Identifier
	operations []Operation
	options    map[string]string
}

// NewOperationList creates a new OperationList
func NewOperationList(identifier Identifier, operations ...Operation) *OperationList {
	return &OperationList{
		identifier: identifier,
		operations: operations,
		options:    map[string]string{},
	}
}

// GetIdentifier returns identifier of the source image
func (opList *OperationList) GetIdentifier() Identifier {
	return opList.identifier
}

// GetOperations returns all operations
func (opList *OperationList) GetOperations() []Operation {
	return opList.operations
}

// Add appends an operation
func (opList *OperationList) Add(op Operation) {
	opList.operations = append(opList.operations, op)
}

// SetOption sets an encoder/processor option
func (opList *OperationList) SetOption(key string, value string) {
	opList.options[key] = value
}

// GetOptions returns options
func (opList *OperationList) GetOptions() map[string]string {
	return opList.options
}

// GetOutputFormat returns the format of the last encode operation
func (opList *OperationList) GetOutputFormat() Format {
	for i := len(opList.operations) - 1; i >= 0; i-- {
		if encode, ok := opList.operations[i].(*Encode); ok {
			return encode.Format
		}
	}
	return FormatUnknown
}

// String returns canonical string form, identical op lists produce identical strings
func (opList *OperationList) String() string {
	parts := []string{opList.identifier.String()}
	for _, op := range opList.operations {
		if op.IsNoOp() {
			continue
		}
		parts = append(parts, op.String())
	}

	if len(opList.options) > 0 {
		keys := make([]string, 0, len(opList.options))
		for key := range opList.options {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, key+":"+opList.options[key])
		}
	}

	return strings.Join(parts, "_")
}
