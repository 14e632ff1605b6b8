package main

import (
	"fmt"
	"io"
	"time"

	"huddle/internal/core/negotiation"
	"huddle/internal/infrastructure/webrtc"
	"huddle/pkg/protocol"

	"github.com/jedib0t/go-pretty/v6/table"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

func renderRooms(w io.Writer, rooms []protocol.RoomSummary) {
	t := newTable(w, "Rooms")
	t.AppendHeader(table.Row{"Room", "Participants"})
	total := 0
	for _, r := range rooms {
		t.AppendRow(table.Row{r.RoomID, r.Users})
		total += r.Users
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d rooms", len(rooms)), total})
	t.Render()
}

func renderSessions(w io.Writer, sessions []negotiation.SessionInfo) {
	t := newTable(w, "Peer sessions")
	t.AppendHeader(table.Row{"Peer", "User", "Polite", "Signaling", "Connection", "Recovery", "Audio", "Camera", "Screen"})
	for _, s := range sessions {
		camera := short(s.Media.Camera)
		if camera != "-" && !s.Media.CameraEnabled {
			camera += " (off)"
		}
		t.AppendRow(table.Row{
			short(string(s.RemoteID)),
			s.Media.Username,
			s.Polite,
			s.Signaling.String(),
			s.Connection.String(),
			s.Recovery,
			short(s.Media.Audio),
			camera,
			short(s.Media.Screen),
		})
	}
	t.Render()
}

func renderTrackStats(w io.Writer, stats []webrtc.TrackStats, now time.Time) {
	t := newTable(w, "Inbound tracks")
	t.AppendHeader(table.Row{"Peer", "Track", "Kind", "Packets", "Bytes", "Keyframes", "Last packet"})
	for _, s := range stats {
		kind := "audio"
		if s.Video {
			kind = "video"
		}
		t.AppendRow(table.Row{
			short(string(s.PeerID)),
			short(s.TrackID),
			kind,
			s.Packets,
			s.Bytes,
			s.Keyframes,
			now.Sub(s.LastPacket).Round(time.Millisecond).String() + " ago",
		})
	}
	t.Render()
}

// short abbreviates uuids for display.
func short(id string) string {
	switch {
	case id == "":
		return "-"
	case len(id) > 8:
		return id[:8]
	default:
		return id
	}
}
