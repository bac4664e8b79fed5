package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/weilancys/lbchat/auth"
	"github.com/weilancys/lbchat/config"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/persistence"
	"github.com/weilancys/lbchat/presence"
)

// A very simple CLI tool for the administration of lbchat users and conversations.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	tokenTTL   = pflag.Duration("ttl", 24*time.Hour, "lifetime of issued tokens")
)

// conversationDefinition is the JSON accepted by "conversation add".
type conversationDefinition struct {
	Id      string   `json:"id"`
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func readDefinition(arg string, v interface{}) error {
	var r io.Reader
	if arg == "-" {
		r = os.Stdin
	} else {
		r = bytes.NewReader([]byte(arg))
	}
	return json.NewDecoder(r).Decode(v)
}

func printJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		globals.AppLogger.Error("could not marshal result", "error", err)
		return
	}
	fmt.Println(string(b))
}

func openPresence(cfg *config.Config) (presence.Store, func(), error) {
	if cfg.PresenceConfig.Type != "nats" {
		store, err := presence.NewBuntStore(cfg.PresenceConfig.BuntDBPath, cfg.PresenceConfig.TTL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	nc, err := nats.Connect(cfg.NATSConfig.URL)
	if err != nil {
		return nil, nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	store, err := presence.NewNATSStore(js, cfg.PresenceConfig.Bucket, cfg.PresenceConfig.TTL)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return store, func() { nc.Close() }, nil
}

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		log.Fatalf("could not read configuration: %s", err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	var persister *persistence.GormPersist
	withPersister := func(fn func(ctx context.Context, p *persistence.GormPersist)) {
		if persister == nil {
			persister, err = persistence.NewGormPersister(globalConfig)
			if err != nil {
				globals.AppLogger.Error("could not open persistence", "error", err)
				return
			}
		}
		fn(context.Background(), persister)
	}
	defer func() {
		if persister != nil {
			persister.Close()
		}
	}()

	var cmdToken = &cobra.Command{
		Use:   "token",
		Short: "Access tokens",
	}
	var cmdTokenIssue = &cobra.Command{
		Use:   "issue [user id]",
		Short: "Issue an access token",
		Long:  `issue prints a signed access token for the user with the given id, valid for --ttl.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if globalConfig.AuthConfig.JWTSecret == "" {
				globals.AppLogger.Error("no jwt secret configured")
				return
			}
			token, err := auth.IssueToken(globalConfig.AuthConfig.JWTSecret, globalConfig.AuthConfig.Issuer, args[0], *tokenTTL)
			if err != nil {
				globals.AppLogger.Error("could not sign token", "error", err)
				return
			}
			fmt.Println(token)
		},
	}
	var cmdUser = &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	var cmdUserList = &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withPersister(func(ctx context.Context, p *persistence.GormPersist) {
				users, err := p.GetUsers(ctx)
				if err != nil {
					globals.AppLogger.Error("could not get users", "error", err)
					return
				}
				printJSON(users)
			})
		},
	}
	var cmdUserAdd = &cobra.Command{
		Use:   "add [user definition]",
		Short: "Create or update a user",
		Long:  `add creates or updates a user with the given definition. If the user definition is "-", it is read from STDIN.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := persistence.User{}
			if err := readDefinition(args[0], &user); err != nil {
				globals.AppLogger.Error("could not decode user", "error", err)
				return
			}
			if user.Id == "" || user.Username == "" {
				globals.AppLogger.Error("user id and username are required")
				return
			}
			withPersister(func(ctx context.Context, p *persistence.GormPersist) {
				if err := p.StoreUser(ctx, &user); err != nil {
					globals.AppLogger.Error("could not store user", "error", err)
					return
				}
				globals.AppLogger.Info("stored user", "id", user.Id)
			})
		},
	}
	var cmdConversation = &cobra.Command{
		Use:   "conversation",
		Short: "Manage conversations",
	}
	var cmdConversationAdd = &cobra.Command{
		Use:   "add [conversation definition]",
		Short: "Create a conversation or add members",
		Long: `add creates the conversation {"id", "type", "name", "members"} or adds members to it. If the
definition is "-", it is read from STDIN.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			def := conversationDefinition{}
			if err := readDefinition(args[0], &def); err != nil {
				globals.AppLogger.Error("could not decode conversation", "error", err)
				return
			}
			if def.Id == "" {
				globals.AppLogger.Error("no conversation id")
				return
			}
			if def.Type == "" {
				def.Type = persistence.ConversationGroup
				if len(def.Members) == 2 {
					def.Type = persistence.ConversationDirect
				}
			}
			withPersister(func(ctx context.Context, p *persistence.GormPersist) {
				conversation := &persistence.Conversation{Id: def.Id, Type: def.Type, Name: def.Name}
				if err := p.StoreConversation(ctx, conversation, def.Members); err != nil {
					globals.AppLogger.Error("could not store conversation", "error", err)
					return
				}
				globals.AppLogger.Info("stored conversation", "id", def.Id, "members", len(def.Members))
			})
		},
	}
	var cmdPresence = &cobra.Command{
		Use:   "presence",
		Short: "Inspect the presence directory",
	}
	var cmdPresenceShow = &cobra.Command{
		Use:   "show [user id]...",
		Short: "Show where users are connected",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, closeStore, err := openPresence(globalConfig)
			if err != nil {
				globals.AppLogger.Error("could not open presence store", "error", err)
				return
			}
			defer closeStore()
			directory := presence.NewDirectory(store, globalConfig.TimeoutConfig.Store)
			res := make(map[string]interface{})
			for _, id := range args {
				loc, ok, err := directory.Lookup(context.Background(), id)
				switch {
				case err != nil:
					res[id] = err.Error()
				case !ok:
					res[id] = nil
				default:
					res[id] = loc
				}
			}
			printJSON(res)
		},
	}

	var rootCmd = &cobra.Command{Use: "lbchat-admin"}
	rootCmd.AddCommand(cmdToken, cmdUser, cmdConversation, cmdPresence)
	cmdToken.AddCommand(cmdTokenIssue)
	cmdUser.AddCommand(cmdUserList, cmdUserAdd)
	cmdConversation.AddCommand(cmdConversationAdd)
	cmdPresence.AddCommand(cmdPresenceShow)
	rootCmd.SetArgs(pflag.Args())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
