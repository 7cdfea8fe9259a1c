package tulip

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"reflect"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tulip/config"
	"github.com/slackhq/tulip/sshd"
)

const sshCommandTimeout = 5 * time.Second

type sshStatsFlags struct {
	Json   bool
	Pretty bool
}

func wireSSHReload(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("sshd") {
			return
		}
		if c.GetBool("sshd.enabled", false) {
			sshRun, err := configSSH(l, ssh, c)
			if err != nil {
				l.WithError(err).Error("Failed to reconfigure the sshd")
				ssh.Stop()
			}
			if sshRun != nil {
				go sshRun()
			}
		} else {
			ssh.Stop()
		}
	})
}

// configSSH reads the sshd section and returns a function that starts the server, nil if it is disabled.
func configSSH(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) (func(), error) {
	listen := c.GetString("sshd.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("sshd.listen must be provided")
	}

	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("invalid sshd.listen address: %s", err)
	}
	if port == "22" {
		return nil, fmt.Errorf("sshd.listen can not use port 22")
	}

	hostKey := c.GetString("sshd.host_key", "")
	if hostKey == "" {
		return nil, fmt.Errorf("sshd.host_key must be provided")
	}

	// inline pem or a path to one
	hostKeyBytes := []byte(hostKey)
	if !strings.Contains(hostKey, "-----BEGIN") {
		hostKeyBytes, err = os.ReadFile(hostKey)
		if err != nil {
			return nil, fmt.Errorf("error while loading sshd.host_key file: %s", err)
		}
	}

	if err = ssh.SetHostKey(hostKeyBytes); err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %s", err)
	}

	ssh.ClearTrustedCAs()
	for _, ca := range c.GetStringSlice("sshd.trusted_cas", nil) {
		if err := ssh.AddTrustedCA(ca); err != nil {
			l.WithError(err).WithField("sshCA", ca).Warn("SSH CA had an error, ignoring")
		}
	}

	ssh.ClearAuthorizedKeys()
	users := c.GetMapSlice("sshd.authorized_users")
	if len(users) == 0 {
		l.Info("no ssh users to authorize")
	}
	for _, u := range users {
		user, ok := u["user"].(string)
		if !ok {
			l.WithField("sshKeyConfig", u).Warn("Authorized user is missing the user field")
			continue
		}

		switch v := u["keys"].(type) {
		case string:
			if err := ssh.AddAuthorizedKey(user, v); err != nil {
				l.WithError(err).WithField("sshKeyConfig", u).WithField("sshKey", v).Warn("Failed to authorize key")
			}

		case []any:
			for _, k := range v {
				sk, ok := k.(string)
				if !ok {
					l.WithField("sshKeyConfig", u).WithField("sshKey", k).Warn("Did not understand ssh key")
					continue
				}
				if err := ssh.AddAuthorizedKey(user, sk); err != nil {
					l.WithError(err).WithField("sshKeyConfig", sk).Warn("Failed to authorize key")
				}
			}

		default:
			l.WithField("sshKeyConfig", u).Warn("Authorized user is missing the keys field or was not understood")
		}
	}

	if !c.GetBool("sshd.enabled", false) {
		ssh.Stop()
		return nil, nil
	}

	ssh.Stop()
	return func() {
		if err := ssh.Run(listen); err != nil {
			l.WithField("err", err).Warn("Failed to run the SSH server")
		}
	}, nil
}

func attachCommands(l *logrus.Logger, c *config.C, ssh *sshd.SSHServer, drv *Driver, buildVersion string) {
	ssh.RegisterCommand(&sshd.Command{
		Name:             "stats",
		ShortDescription: "Prints the packet and error counters of every port, or of the provided port",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshStatsFlags{}
			fl.BoolVar(&s.Json, "json", false, "outputs as json with more information")
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshStats(drv, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "hwaddr",
		ShortDescription: "Prints the hardware address of every port",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshHardwareAddr(drv, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "rings",
		ShortDescription: "Prints the receive and transmit descriptors of the provided port",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshRings(drv, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reload",
		ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			c.ReloadConfig()
			return w.WriteLine("Config reloaded")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "start-cpu-profile",
		ShortDescription: "Starts a cpu profile and write output to the provided file",
		Callback:         sshStartCpuProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "stop-cpu-profile",
		ShortDescription: "Stops a cpu profile and writes output to the previously provided file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			pprof.StopCPUProfile()
			return w.WriteLine("If a CPU profile was running it is now stopped")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "save-heap-profile",
		ShortDescription: "Saves a heap profile to the provided path",
		Callback:         sshGetHeapProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-level",
		ShortDescription: "Gets or sets the current log level",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogLevel(l, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-format",
		ShortDescription: "Gets or sets the current log format",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogFormat(l, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "version",
		ShortDescription: "Prints the currently running version of tulip",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return w.WriteLine(buildVersion)
		},
	})
}

func dumpPorts(drv *Driver) ([]Dump, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sshCommandTimeout)
	defer cancel()
	return drv.Dump(ctx)
}

func sshStats(drv *Driver, a any, args []string, w sshd.StringWriter) error {
	fs, ok := a.(*sshStatsFlags)
	if !ok {
		return fmt.Errorf("unexpected flags %T", a)
	}

	dumps, err := dumpPorts(drv)
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Failed to read the driver state: %s", err))
	}

	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 0 || port >= len(dumps) {
			return w.WriteLine(fmt.Sprintf("No such port: %s", args[0]))
		}
		dumps = dumps[port : port+1]
	}

	if fs.Json || fs.Pretty {
		js := json.NewEncoder(w.GetWriter())
		if fs.Pretty {
			js.SetIndent("", "    ")
		}
		return js.Encode(dumps)
	}

	var buf bytes.Buffer
	for _, d := range dumps {
		d.WriteStats(&buf)
	}
	return w.WriteBytes(buf.Bytes())
}

func sshHardwareAddr(drv *Driver, w sshd.StringWriter) error {
	dumps, err := dumpPorts(drv)
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Failed to read the driver state: %s", err))
	}

	for _, d := range dumps {
		mac := "-"
		if d.HardwareAddr != nil {
			mac = d.HardwareAddr.String()
		}
		if err := w.WriteLine(fmt.Sprintf("%d %s %s", d.Port, d.Name, mac)); err != nil {
			return err
		}
	}
	return nil
}

func sshRings(drv *Driver, args []string, w sshd.StringWriter) error {
	if len(args) == 0 {
		return w.WriteLine("No port was provided")
	}

	port, err := strconv.Atoi(args[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("The provided port could not be parsed: %s", args[0]))
	}

	dumps, err := dumpPorts(drv)
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Failed to read the driver state: %s", err))
	}
	if port < 0 || port >= len(dumps) {
		return w.WriteLine(fmt.Sprintf("No such port: %d", port))
	}

	var buf bytes.Buffer
	dumps[port].WriteRings(&buf)
	return w.WriteBytes(buf.Bytes())
}

func sshStartCpuProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	file, err := os.Create(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
	}

	if err = pprof.StartCPUProfile(file); err != nil {
		file.Close()
		return w.WriteLine(fmt.Sprintf("Unable to start cpu profile: %s", err))
	}

	return w.WriteLine(fmt.Sprintf("Started cpu profile, issue stop-cpu-profile to write the output to %s", a[0]))
}

func sshGetHeapProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	file, err := os.Create(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
	}
	defer file.Close()

	if err = pprof.WriteHeapProfile(file); err != nil {
		return w.WriteLine(fmt.Sprintf("Unable to write profile: %s", err))
	}

	return w.WriteLine(fmt.Sprintf("Mem profile created at %s", a[0]))
}

func sshLogLevel(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unknown log level %s. Possible log levels: %s", a, logrus.AllLevels))
	}

	l.SetLevel(level)
	return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
}

func sshLogFormat(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
	}

	logFormat := strings.ToLower(a[0])
	switch logFormat {
	case "text":
		l.Formatter = &logrus.TextFormatter{}
	case "json":
		l.Formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
}
