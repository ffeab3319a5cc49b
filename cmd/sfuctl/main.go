package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-gateway/internal/eventbus"
	"github.com/isqad/livelook-gateway/internal/ws"
)

const requestTimeout = 5 * time.Second

func main() {
	log.Logger = log.Output(zerolog.NewConsoleWriter())

	app := &cli.App{
		Name:  "livelook-sfuctl",
		Usage: "inspect a running SFU",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "base URL of the SFU http api",
				Value:   "http://localhost:8080",
				EnvVars: []string{"SFU_SERVER"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "rooms",
				Usage:  "list rooms and their peers",
				Action: listRooms,
			},
			{
				Name:      "events",
				Usage:     "show the journal of a room",
				ArgsUsage: "ROOM_ID",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: listEvents,
			},
			{
				Name:  "watch",
				Usage: "follow room events published on redis",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "redis", Value: "localhost:6379"},
					&cli.StringFlag{Name: "prefix", Value: "livelook.rooms"},
					&cli.StringFlag{Name: "room", Usage: "only this room"},
				},
				Action: watchEvents,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func listRooms(c *cli.Context) error {
	view := ws.RoomsView{}
	if err := fetchJSON(c.String("server")+"/api/v1/rooms", &view); err != nil {
		return err
	}

	renderRooms(os.Stdout, view)
	return nil
}

func listEvents(c *cli.Context) error {
	roomID := c.Args().First()
	if roomID == "" {
		return cli.Exit("ROOM_ID is required", 1)
	}

	endpoint := fmt.Sprintf("%s/api/v1/rooms/%s/events?limit=%d", c.String("server"), url.PathEscape(roomID), c.Int("limit"))
	view := ws.EventsView{}
	if err := fetchJSON(endpoint, &view); err != nil {
		return err
	}

	renderEvents(os.Stdout, view.Events)
	return nil
}

func watchEvents(c *cli.Context) error {
	rdb := redis.NewClient(&redis.Options{Addr: c.String("redis")})
	bus := eventbus.RedisPubSub(rdb, c.String("prefix"))
	defer bus.Close()

	sub, err := bus.Subscribe(c.Context, c.String("room"))
	if err != nil {
		return err
	}
	defer sub.Close()

	for e := range sub.Events() {
		fmt.Fprintln(os.Stdout, formatEvent(e))
	}
	return nil
}

func fetchJSON(endpoint string, v interface{}) error {
	client := &http.Client{Timeout: requestTimeout}

	resp, err := client.Get(endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s %s", endpoint, resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func renderRooms(w io.Writer, view ws.RoomsView) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Room", "Peer", "User", "Transports", "Producers", "Consumers", "Joined"})

	peers := 0
	for _, room := range view.Rooms {
		if len(room.Peers) == 0 {
			t.AppendRow(table.Row{room.ID, "-", "", 0, 0, 0, ""})
			continue
		}
		for _, peer := range room.Peers {
			t.AppendRow(table.Row{
				room.ID,
				peer.ID,
				peer.UserID,
				peer.Transports,
				peer.Producers,
				peer.Consumers,
				peer.JoinedAt.Format(time.RFC3339),
			})
			peers++
		}
	}

	t.AppendFooter(table.Row{fmt.Sprintf("%d rooms", len(view.Rooms)), fmt.Sprintf("%d peers", peers), fmt.Sprintf("%d connections", view.Connections)})
	t.Render()
}

func renderEvents(w io.Writer, events []eventbus.Event) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Time", "Type", "Peer", "Resource"})

	for _, e := range events {
		t.AppendRow(table.Row{e.CreatedAt.Format(time.RFC3339), e.Type, e.PeerID, e.ResourceID})
	}
	t.Render()
}

func formatEvent(e eventbus.Event) string {
	line := fmt.Sprintf("%s %-17s room=%s", e.CreatedAt.Format(time.RFC3339), e.Type, e.RoomID)
	if e.PeerID != "" {
		line += " peer=" + e.PeerID
	}
	if e.ResourceID != "" {
		line += " resource=" + e.ResourceID
	}
	return line
}
