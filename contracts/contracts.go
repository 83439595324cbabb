// Package contracts ships the TodoList contract interface.
package contracts

import (
	_ "embed"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// TodoListABI is the JSON ABI of TodoList.sol.
//
//go:embed TodoList.abi.json
var TodoListABI string

// Method names of the TodoList contract.
const (
	MethodTaskCount       = "taskCount"
	MethodTasks           = "tasks"
	MethodCreateTask      = "createTask"
	MethodToggleCompleted = "toggleCompleted"
)

// ParseTodoList parses TodoListABI.
func ParseTodoList() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(TodoListABI))
}
