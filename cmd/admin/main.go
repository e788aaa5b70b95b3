package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/engine"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"chatgogo/pairing/internal/storage"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const usage = `Usage: admin <command> [args]

Commands:
  ban <user_id> [duration_in_hours]   ban a user; no duration bans permanently
  unban <user_id>                     lift an explicit ban
  status <user_id>                    show whether the ban policy applies
  clear-history <user_id>             forget every previous partner
  end-session <session_id> [reason]   end a session (default reason user_ended)
  sweep                               abandon inactive sessions once`

func main() {
	_ = godotenv.Load()
	logger.Init("warn", false)
	defer logger.Sync()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fail("Invalid configuration", err)
	}
	e, cleanup, err := openEngine(cfg)
	if err != nil {
		fail("Failed to open store", err)
	}
	defer cleanup()

	if err := run(context.Background(), e, os.Args[1], os.Args[2:]); err != nil {
		cleanup()
		fail("Command failed", err)
	}
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

// openEngine connects to the same PostgreSQL and Redis the server uses.
func openEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect database: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect Redis: %w", err)
	}
	svc := storage.NewStorageService(db, rdb)
	cleanup := func() {
		_ = rdb.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return engine.New(svc, svc, cfg, nil), cleanup, nil
}

func run(ctx context.Context, e *engine.Engine, command string, args []string) error {
	switch command {
	case "ban":
		if len(args) < 1 {
			return fmt.Errorf("usage: admin ban <user_id> [duration_in_hours]")
		}
		var duration time.Duration
		if len(args) > 1 {
			hours, err := strconv.Atoi(args[1])
			if err != nil || hours < 0 {
				return fmt.Errorf("invalid duration %q, want a number of hours", args[1])
			}
			duration = time.Duration(hours) * time.Hour
		}
		if err := e.Ban(ctx, args[0], duration); err != nil {
			return err
		}
		fmt.Printf("User %s has been banned.\n", args[0])
	case "unban":
		if len(args) != 1 {
			return fmt.Errorf("usage: admin unban <user_id>")
		}
		if err := e.Unban(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("User %s has been unbanned.\n", args[0])
	case "status":
		if len(args) != 1 {
			return fmt.Errorf("usage: admin status <user_id>")
		}
		banned, err := e.IsBanned(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("User %s banned: %t\n", args[0], banned)
	case "clear-history":
		if len(args) != 1 {
			return fmt.Errorf("usage: admin clear-history <user_id>")
		}
		if err := e.ClearHistory(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("History of %s has been cleared.\n", args[0])
	case "end-session":
		if len(args) < 1 {
			return fmt.Errorf("usage: admin end-session <session_id> [reason]")
		}
		var reason string
		if len(args) > 1 {
			reason = args[1]
		}
		if err := e.EndSession(ctx, args[0], models.EndReason(reason), nil); err != nil {
			return err
		}
		fmt.Printf("Session %s has been ended.\n", args[0])
	case "sweep":
		n, err := e.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Abandoned %d inactive session(s).\n", n)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}
	return nil
}
