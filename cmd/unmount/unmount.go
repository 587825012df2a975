package unmount

import (
	"bazil.org/fuse"
	"github.com/spf13/cobra"

	"github.com/sidkik/snfs/cmd/util"
	"github.com/sidkik/snfs/pkg/errors"
)

// New creates a new `unmount` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "unmount MOUNTPOINT",
		Short: "Unmount a running snfs filesystem.",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := Main(args[0]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

// Main asks the kernel to detach the mount. The serving process notices
// and exits after flushing any unsynced edits.
func Main(mountpoint string) error {
	if err := fuse.Unmount(mountpoint); err != nil {
		return errors.WithContext(err, "unmount")
	}
	return nil
}
