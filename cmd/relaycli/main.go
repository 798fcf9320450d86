// Command relaycli is an operator tool for the relay: it mints identity
// tokens, connects as a user to watch or send events, and tails the event
// tap from NATS or Kafka.
//
// Usage:
//
//	relaycli token -secret s3cret alice
//	relaycli listen -user alice
//	relaycli send -user bob -to alice "hello"
//	relaycli tap -nats nats://localhost:4222
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/client"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/protocol"
)

func main() {
	cmd := &cli.Command{
		Name:  "relaycli",
		Usage: "talk to a Whisper relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   "ws://localhost:8080/ws",
				Usage:   "relay WebSocket URL",
				Sources: cli.EnvVars("RELAY_URL"),
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "JWT secret; when set a token is minted for -user",
				Sources: cli.EnvVars("JWT_SECRET"),
			},
		},
		Commands: []*cli.Command{
			tokenCommand(),
			listenCommand(),
			sendCommand(),
			tapCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relaycli: %v", err)
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "mint an identity token",
		ArgsUsage: "<userId>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			userID := cmd.Args().First()
			if userID == "" {
				return errors.New("token: missing <userId>")
			}
			secret := cmd.String("secret")
			if secret == "" {
				return errors.New("token: -secret (or JWT_SECRET) is required")
			}
			token, err := auth.GenerateToken([]byte(secret), userID, cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func userFlag() cli.Flag {
	return &cli.StringFlag{Name: "user", Usage: "user id to register as", Required: true}
}

// connect dials the relay and registers as -user, minting a token when a
// secret is configured.
func connect(ctx context.Context, cmd *cli.Command) (*client.Client, error) {
	userID := cmd.String("user")
	var token string
	if secret := cmd.String("secret"); secret != "" {
		var err error
		if token, err = auth.GenerateToken([]byte(secret), userID, time.Hour); err != nil {
			return nil, err
		}
	}

	c, err := client.Dial(ctx, cmd.String("url"))
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ack, err := c.Register(rctx, userID, token)
	if err != nil {
		c.Abort()
		return nil, err
	}
	log.Printf("registered as %s (connection=%s, online=%v)", ack.UserID, c.ConnectionID(), ack.ConnectedUsers)
	return c, nil
}

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "register and print every event until interrupted",
		Flags: []cli.Flag{userFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			for {
				ev, err := c.Next(ctx)
				if err != nil {
					if errors.Is(err, client.ErrClosed) {
						log.Printf("relay closed the connection")
						return nil
					}
					return err
				}
				fmt.Println(string(ev.Raw))
			}
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "register, send one message and wait for the relay's ack",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "to", Usage: "receiver user id", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text := strings.Join(cmd.Args().Slice(), " ")
			if text == "" {
				return errors.New("send: missing <text>")
			}
			c, err := connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.SendMessage(cmd.String("to"), uuid.NewString(), text); err != nil {
				return err
			}
			actx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			ev, err := c.Expect(actx, protocol.TypeMessageSent, protocol.TypeError, protocol.TypeRateLimited)
			if err != nil {
				return err
			}
			fmt.Println(string(ev.Raw))
			return nil
		},
	}
}

func tapCommand() *cli.Command {
	return &cli.Command{
		Name:  "tap",
		Usage: "print relay events from the NATS or Kafka event tap",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "nats", Usage: "NATS URL", Sources: cli.EnvVars("NATS_URL")},
			&cli.StringSliceFlag{Name: "kafka", Usage: "Kafka brokers", Sources: cli.EnvVars("KAFKA_BROKERS")},
			&cli.StringFlag{Name: "topic", Value: "relay-events", Sources: cli.EnvVars("KAFKA_TOPIC")},
			&cli.StringFlag{Name: "group", Value: "relaycli", Usage: "Kafka consumer group"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			show := func(subject string, data []byte) {
				fmt.Printf("%s %s\n", subject, data)
			}

			if url := cmd.String("nats"); url != "" {
				config := messaging.DefaultNATSConfig()
				config.URL = url
				config.Name = "relaycli-tap"
				nc, err := messaging.NewNATSClient(config)
				if err != nil {
					return err
				}
				defer nc.Close()
				if err := nc.Subscribe(messaging.SubjectAll, show); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			}

			if brokers := cmd.StringSlice("kafka"); len(brokers) > 0 {
				return messaging.ConsumeKafka(ctx, brokers, cmd.String("topic"), cmd.String("group"), show)
			}
			return errors.New("tap: set -nats or -kafka")
		},
	}
}
