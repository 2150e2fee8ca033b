// Command flagctl is the feature-flag admin CLI described in spec §6's CLI surface: one
// binary with get/set/set-percentage/clear/list/test-user subcommands, each taking its own
// flag.NewFlagSet the way services/orchestrator/main.go parses flags once per entry point
// rather than threading a shared global FlagSet across subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/config"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/featureflag"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	ctx := context.Background()
	client, err := store.NewRedisClient(ctx, store.RedisConfig{
		Addr:     config.Env("REDIS_URL", "localhost:6379"),
		Password: config.Env("REDIS_PASSWORD", ""),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "flagctl: store unavailable: %v\n", err)
		return 1
	}
	defer client.Close()

	flags := featureflag.NewStore(client)

	switch args[0] {
	case "get":
		return cmdGet(ctx, flags, args[1:])
	case "set":
		return cmdSet(ctx, flags, args[1:])
	case "set-percentage":
		return cmdSetPercentage(ctx, flags, args[1:])
	case "clear":
		return cmdClear(ctx, flags, args[1:])
	case "list":
		return cmdList(ctx, flags, args[1:])
	case "test-user":
		return cmdTestUser(ctx, flags, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "flagctl: unknown subcommand %q\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: flagctl <subcommand> [flags]

subcommands:
  get <flag> [--tenant T]
  set <flag> --value true|false [--tenant T]
  set-percentage <flag> --percentage N [--tenant T]
  clear <flag> [--tenant T]
  list [--tenant T]
  test-user <flag> --user-id U [--tenant T]`)
}

func cmdGet(ctx context.Context, flags *featureflag.Store, args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	tenant := fs.String("tenant", featureflag.DefaultTenant, "tenant id")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		printUsage()
		return 2
	}
	name := fs.Arg(0)

	f, err := flags.Get(ctx, name, *tenant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flagctl: %v\n", err)
		return 1
	}
	if f.Percentage != nil {
		fmt.Printf("%s: enabled=%t percentage=%d\n", name, f.Enabled, *f.Percentage)
	} else {
		fmt.Printf("%s: enabled=%t\n", name, f.Enabled)
	}
	return 0
}

func cmdSet(ctx context.Context, flags *featureflag.Store, args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	tenant := fs.String("tenant", featureflag.DefaultTenant, "tenant id")
	value := fs.Bool("value", false, "enabled state")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		printUsage()
		return 2
	}
	name := fs.Arg(0)

	if err := flags.Set(ctx, name, *tenant, *value); err != nil {
		fmt.Fprintf(os.Stderr, "flagctl: %v\n", err)
		return 1
	}
	fmt.Printf("%s: set enabled=%t for tenant=%s\n", name, *value, *tenant)
	return 0
}

func cmdSetPercentage(ctx context.Context, flags *featureflag.Store, args []string) int {
	fs := flag.NewFlagSet("set-percentage", flag.ContinueOnError)
	tenant := fs.String("tenant", featureflag.DefaultTenant, "tenant id")
	percentage := fs.Int("percentage", -1, "rollout percentage, 0-100")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		printUsage()
		return 2
	}
	name := fs.Arg(0)
	if *percentage < 0 || *percentage > 100 {
		fmt.Fprintln(os.Stderr, "flagctl: --percentage must be between 0 and 100")
		return 2
	}

	if err := flags.SetPercentage(ctx, name, *tenant, *percentage); err != nil {
		fmt.Fprintf(os.Stderr, "flagctl: %v\n", err)
		return 1
	}
	fmt.Printf("%s: set percentage=%d for tenant=%s\n", name, *percentage, *tenant)
	return 0
}

func cmdClear(ctx context.Context, flags *featureflag.Store, args []string) int {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	tenant := fs.String("tenant", featureflag.DefaultTenant, "tenant id")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		printUsage()
		return 2
	}
	name := fs.Arg(0)

	if err := flags.Clear(ctx, name, *tenant); err != nil {
		fmt.Fprintf(os.Stderr, "flagctl: %v\n", err)
		return 1
	}
	fmt.Printf("%s: cleared for tenant=%s\n", name, *tenant)
	return 0
}

func cmdList(ctx context.Context, flags *featureflag.Store, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id (omit for all tenants)")
	if err := fs.Parse(args); err != nil {
		printUsage()
		return 2
	}

	all, err := flags.List(ctx, *tenant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flagctl: %v\n", err)
		return 1
	}
	for _, f := range all {
		if f.Percentage != nil {
			fmt.Printf("%s\t%s\tenabled=%t\tpercentage=%d\n", f.Name, f.Tenant, f.Enabled, *f.Percentage)
		} else {
			fmt.Printf("%s\t%s\tenabled=%t\n", f.Name, f.Tenant, f.Enabled)
		}
	}
	return 0
}

func cmdTestUser(ctx context.Context, flags *featureflag.Store, args []string) int {
	fs := flag.NewFlagSet("test-user", flag.ContinueOnError)
	tenant := fs.String("tenant", featureflag.DefaultTenant, "tenant id")
	userID := fs.String("user-id", "", "user id to resolve")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 || *userID == "" {
		printUsage()
		return 2
	}
	name := fs.Arg(0)

	on, err := flags.Resolve(ctx, name, *tenant, *userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flagctl: %v\n", err)
		return 1
	}
	fmt.Printf("%s: user=%s tenant=%s resolved=%t\n", name, *userID, *tenant, on)
	return 0
}
