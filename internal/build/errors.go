package build

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Error carries the compiler diagnostics for one failed build unit.
// A failed build leaves the unit's prior artifact untouched: currently
// served code keeps working until the next success.
type Error struct {
	Unit     string
	Messages []api.Message
}

func (e *Error) Error() string {
	formatted := api.FormatMessages(e.Messages, api.FormatMessagesOptions{
		Kind: api.ErrorMessage,
	})
	return fmt.Sprintf("build of %q failed:\n%s", e.Unit, strings.Join(formatted, ""))
}

// ResolveError reports an import specifier the module resolver could not
// satisfy. It surfaces through esbuild as a build diagnostic, aborting the
// enclosing build.
type ResolveError struct {
	Specifier  string
	ResolveDir string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve %q from %s", e.Specifier, e.ResolveDir)
}
