package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	zkc "github.com/mikekulinski/zkclient/pkg/client"
	"github.com/mikekulinski/zkclient/pkg/config"
	"github.com/mikekulinski/zkclient/pkg/logging"
	"github.com/mikekulinski/zkclient/pkg/zookeeper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	configFile    string
	connectString string
	ephemeral     bool
	sequential    bool
	timeout       time.Duration
)

func init() {
	flag.StringVar(&configFile, "c", "", "-c=zk.toml")
	flag.StringVar(&connectString, "server", "", "host:port[,host:port...][/chroot], overrides the config file")
	flag.BoolVar(&ephemeral, "e", false, "create an ephemeral node")
	flag.BoolVar(&sequential, "s", false, "create a sequential node")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the command")
	flag.BoolVar(&color.NoColor, "no-color", color.NoColor, "disable colored output")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] create|get|set|ls|stat|rm|sync|watch path [data] [version]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	log := logging.NewLogger("cli")
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := clientConfig()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	cfg.Logger = log
	log.Logger.SetLevel(logrus.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := zkc.Connect(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect")
	}
	defer client.Close()

	if err := run(ctx, client, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString(err.Error()))
		os.Exit(1)
	}
}

func clientConfig() (*zkc.Config, error) {
	zkCfg := new(config.ZKConfig).MergeDefault()
	if configFile != "" {
		loaded, err := config.Load(afero.NewOsFs(), configFile)
		if err != nil {
			return nil, err
		}
		zkCfg = loaded
	}
	if connectString != "" {
		zkCfg.Client.ConnectString = connectString
	}
	return zkCfg.ClientOptions()
}

func run(ctx context.Context, client zookeeper.Zookeeper, cmd string, args []string) error {
	path := args[0]
	switch cmd {
	case "create":
		var data []byte
		if len(args) > 1 {
			data = []byte(args[1])
		}
		created, err := client.Create(ctx, path, data, zkc.WorldACL(zkc.PermAll), createMode())
		if err != nil {
			return err
		}
		fmt.Println(created)
		if ephemeral {
			// The node lives as long as the session does.
			<-ctx.Done()
		}
	case "get":
		data, stat, err := client.GetData(ctx, path)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		printStat(stat)
	case "set":
		if len(args) < 2 {
			return errors.New("set needs data")
		}
		version, err := versionArg(args, 2)
		if err != nil {
			return err
		}
		stat, err := client.SetData(ctx, path, []byte(args[1]), version)
		if err != nil {
			return err
		}
		printStat(stat)
	case "ls":
		children, _, err := client.GetChildren(ctx, path)
		if err != nil {
			return err
		}
		fmt.Println("[" + strings.Join(children, ", ") + "]")
	case "stat":
		stat, err := client.Exists(ctx, path)
		if err != nil {
			return err
		}
		if stat == nil {
			return fmt.Errorf("%s: %w", path, zkc.ErrNoNode)
		}
		printStat(stat)
	case "rm":
		version, err := versionArg(args, 1)
		if err != nil {
			return err
		}
		return client.Delete(ctx, path, version)
	case "sync":
		synced, err := client.Sync(ctx, path)
		if err != nil {
			return err
		}
		fmt.Println(synced)
	case "watch":
		events := make(chan zkc.Event, 1)
		if _, err := client.ExistsW(ctx, path, func(e zkc.Event) { events <- e }); err != nil {
			return err
		}
		select {
		case e := <-events:
			if e.Err != nil {
				return e.Err
			}
			fmt.Printf("%s %s\n", color.YellowString(e.Type.String()), e.Path)
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func createMode() zkc.CreateMode {
	switch {
	case ephemeral && sequential:
		return zkc.ModeEphemeralSequential
	case ephemeral:
		return zkc.ModeEphemeral
	case sequential:
		return zkc.ModePersistentSequential
	}
	return zkc.ModePersistent
}

func versionArg(args []string, i int) (int32, error) {
	if len(args) <= i {
		return zkc.AnyVersion, nil
	}
	v, err := strconv.ParseInt(args[i], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad version %q: %w", args[i], err)
	}
	return int32(v), nil
}

var statKey = color.New(color.FgCyan).SprintFunc()

func printStat(stat *zkc.Stat) {
	line := func(key string, format string, v any) {
		fmt.Printf("%s = "+format+"\n", statKey(key), v)
	}
	line("czxid", "%#x", stat.Czxid)
	line("mzxid", "%#x", stat.Mzxid)
	line("pzxid", "%#x", stat.Pzxid)
	line("ctime", "%s", time.UnixMilli(stat.Ctime).Format(time.RFC3339))
	line("mtime", "%s", time.UnixMilli(stat.Mtime).Format(time.RFC3339))
	line("version", "%d", stat.Version)
	line("cversion", "%d", stat.Cversion)
	line("aversion", "%d", stat.Aversion)
	line("ephemeralOwner", "%#x", stat.EphemeralOwner)
	line("dataLength", "%d", stat.DataLength)
	line("numChildren", "%d", stat.NumChildren)
}
