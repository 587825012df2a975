package logout

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/snfs/cmd/util"
	"github.com/sidkik/snfs/pkg/config"
	"github.com/sidkik/snfs/pkg/errors"
)

// New creates a new `logout` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the settings file and cached account keys.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := Main(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

// Main removes both config files. The next mount prompts for the password
// again.
func Main() error {
	if err := config.RemoveCredentials(); err != nil {
		return errors.WithContext(err, "remove credentials")
	}
	if err := config.RemoveSettings(); err != nil {
		return errors.WithContext(err, "remove settings")
	}

	fmt.Println("Logged out.")
	return nil
}
