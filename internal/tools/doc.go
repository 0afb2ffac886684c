// Package tools provides the local process execution boundary shared
// by the shell, git, and container adapters.
package tools
