package mount

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/sidkik/snfs/cmd/util"
	"github.com/sidkik/snfs/pkg/api"
	"github.com/sidkik/snfs/pkg/config"
	"github.com/sidkik/snfs/pkg/crypt"
	"github.com/sidkik/snfs/pkg/errors"
	snfs "github.com/sidkik/snfs/pkg/fs"
	"github.com/sidkik/snfs/pkg/metrics"
	"github.com/sidkik/snfs/pkg/scheduler"
	"github.com/sidkik/snfs/pkg/store"
)

// Options are the mount command's flags, merged over the settings file.
type Options struct {
	Username      string
	Password      string
	SyncURL       string
	SyncInterval  time.Duration
	Extension     string
	NoConfigFiles bool
	AllowOther    bool
	MetricsAddr   string
	LogFile       string
}

// New creates a new `mount` command.
func New() *cobra.Command {
	var opts Options
	cmd := &cobra.Command{
		Use:   "mount MOUNTPOINT",
		Short: "Mount your notes as a filesystem at MOUNTPOINT.",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := Main(args[0], opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Username, "username", "",
		"Email address of the account. Overrides the settings file.")
	flags.StringVar(&opts.Password, "password", "",
		"Account password. Prompted for interactively if not cached. "+
			"Prefer the prompt: flags leak into shell history.")
	flags.StringVar(&opts.SyncURL, "sync-url", "",
		"Sync server URL. Defaults to the official server.")
	flags.DurationVar(&opts.SyncInterval, "sync-interval", 0,
		"How often to sync with the server. Overrides the settings file.")
	flags.StringVar(&opts.Extension, "ext", "",
		"Filename extension appended to note titles.")
	flags.BoolVar(&opts.NoConfigFiles, "no-config-files", false,
		"Don't read or write the settings and cached key files.")
	flags.BoolVar(&opts.AllowOther, "allow-other", false,
		"Allow other users to access the mount. Requires user_allow_other "+
			"in /etc/fuse.conf.")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "",
		"Address to expose Prometheus metrics on, e.g. localhost:9464. "+
			"Disabled when empty.")
	flags.StringVar(&opts.LogFile, "log-file", "",
		"Write logs to this file instead of stderr.")
	return cmd
}

// Main mounts the filesystem and serves it until interrupted.
func Main(mountpoint string, opts Options) error {
	setupLogging(opts.LogFile)

	settings, creds, err := resolveAccount(opts)
	if err != nil {
		return err
	}

	client := api.New(settings.GetSyncURL(), settings.Username, creds.Keys)
	ctx := context.Background()
	if err := client.SignIn(ctx); err != nil {
		// Never mount with credentials the server rejects: a mount that
		// can't sync would silently strand every edit.
		return errors.WithContext(err, "sign in")
	}

	if !opts.NoConfigFiles {
		if err := config.WriteSettings(settings); err != nil {
			return errors.WithContext(err, "write settings")
		}
		if err := config.WriteCredentials(creds); err != nil {
			return errors.WithContext(err, "write credentials")
		}
	}

	if opts.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(opts.MetricsAddr); err != nil {
				log.WithError(err).Warn("Metrics listener failed")
			}
		}()
	}

	st := store.New(settings.GetExtension())
	log.Info("Downloading notes...")
	changes, err := client.FullSync(ctx)
	if err != nil {
		return errors.WithContext(err, "initial sync")
	}
	st.ApplyRemote(changes, nil)
	notes, _ := st.Counts()
	log.WithField("notes", notes).Info("Initial sync complete")

	interval, raised := syncInterval(opts, settings)
	if raised {
		log.WithField("interval", interval).Warn(
			"Configured sync interval is too aggressive. Raised to the minimum.")
	}

	return serve(mountpoint, opts, st, client, interval)
}

// resolveAccount merges flags over the settings file and produces the
// account keys, prompting for the password if they aren't cached.
func resolveAccount(opts Options) (config.Settings, config.Credentials, error) {
	settings := config.Settings{}
	if !opts.NoConfigFiles {
		var err error
		settings, err = config.ParseSettings()
		if err != nil {
			return config.Settings{}, config.Credentials{},
				errors.WithContext(err, "parse settings")
		}
	}

	if opts.Username != "" {
		settings.Username = opts.Username
	}
	if opts.SyncURL != "" {
		settings.SyncURL = opts.SyncURL
	}
	if opts.Extension != "" {
		settings.Extension = opts.Extension
	}
	if settings.Username == "" {
		return config.Settings{}, config.Credentials{}, errors.NewFriendlyError(
			"No account configured.\n" +
				"Provide one with `snfs mount --username <email> <mountpoint>`.")
	}

	if !opts.NoConfigFiles && opts.Password == "" {
		creds, err := config.ParseCredentials()
		if err == nil {
			return settings, creds, nil
		}
		if _, ok := err.(errors.FileNotFound); !ok {
			return config.Settings{}, config.Credentials{},
				errors.WithContext(err, "parse credentials")
		}
	}

	password := opts.Password
	if password == "" {
		var err error
		password, err = promptPassword(settings.Username)
		if err != nil {
			return config.Settings{}, config.Credentials{},
				errors.WithContext(err, "read password")
		}
	}

	params, err := api.FetchAuthParams(settings.GetSyncURL(), settings.Username)
	if err != nil {
		return config.Settings{}, config.Credentials{},
			errors.WithContext(err, "fetch auth params")
	}

	keys, err := crypt.DeriveKeySet(settings.Username, password, params)
	if err != nil {
		return config.Settings{}, config.Credentials{},
			errors.WithContext(err, "derive keys")
	}
	return settings, config.Credentials{Keys: keys}, nil
}

// promptPassword reads the password from the terminal without echoing it.
var promptPassword = func(username string) (string, error) {
	fmt.Printf("Password for %s: ", username)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(password), nil
}

func syncInterval(opts Options, settings config.Settings) (time.Duration, bool) {
	if opts.SyncInterval != 0 {
		if opts.SyncInterval < config.MinimumSyncInterval {
			return config.MinimumSyncInterval, true
		}
		return opts.SyncInterval, false
	}
	return settings.GetSyncInterval()
}

// serve mounts the FUSE filesystem and blocks until the serve loop exits
// or the process is interrupted. On interrupt it stops the sync loop,
// flushes unsynced edits, and unmounts.
func serve(mountpoint string, opts Options, st *store.Store,
	client api.Client, interval time.Duration) error {

	mountOpts := []fuse.MountOption{
		fuse.FSName("snfs"),
		fuse.Subtype("snfs"),
		fuse.VolumeName("Standard Notes"),
	}
	if opts.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}

	conn, err := fuse.Mount(mountpoint, mountOpts...)
	if err != nil {
		return errors.WithContext(err, "mount")
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := scheduler.New(st, client, interval)
	go sched.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- fusefs.Serve(conn, snfs.New(st))
	}()
	log.WithField("mountpoint", mountpoint).Info("Mounted. Ctrl-C to unmount.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return errors.WithContext(err, "serve")
		}
		// Someone unmounted out from under us, e.g. with umount(8).
		sched.Flush()
		return nil
	case s := <-sig:
		log.WithField("signal", s).Info("Unmounting...")
		cancel()
		sched.Flush()
		if err := fuse.Unmount(mountpoint); err != nil {
			return errors.WithContext(err, "unmount")
		}
		<-serveErr
		return nil
	}
}

func setupLogging(logFile string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
		})
	}
}
