package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mariankugiel/patient-web-app-sub002/internal/api"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"github.com/mariankugiel/patient-web-app-sub002/internal/typing"
)

const previewWidth = 48

func printStatus(w io.Writer, st api.StatusReply) {
	fmt.Fprintf(w, "User:          %s\n", st.UserID)
	fmt.Fprintf(w, "Connection:    %s\n", st.State)
	fmt.Fprintf(w, "Conversations: %s\n", humanize.Comma(int64(st.Total)))
	fmt.Fprintf(w, "Unread:        %s\n", humanize.Comma(int64(st.Unread)))
	if st.Selected != "" {
		fmt.Fprintf(w, "Selected:      %s\n", st.Selected)
	}
}

func printConversations(w io.Writer, convs []store.Conversation, now time.Time) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	for _, c := range convs {
		flags := ""
		if c.IsPinned {
			flags += "P"
		}
		if c.IsArchived {
			flags += "A"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", c.UnreadCount)
		}
		preview := ""
		if c.LastMessage != nil {
			preview = truncate(messageText(*c.LastMessage), previewWidth)
		}
		fmt.Fprintf(w, "%-2s %-24s %-20s %-5s %-14s %s\n",
			flags, c.ID, c.ContactName, unread, ago(c.LastMessageTime, now), preview)
	}
}

func printMessages(w io.Writer, msgs []store.Message, typers []typing.Entry, userID string, now time.Time) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
	}
	for _, m := range msgs {
		who := m.SenderID
		if who == userID {
			who = "me"
		}
		fmt.Fprintf(w, "[%s] %-12s %s", ago(m.CreatedAt, now), who, messageText(m))
		if m.Priority == store.PriorityUrgent || m.Priority == store.PriorityHigh {
			fmt.Fprintf(w, " !%s", m.Priority)
		}
		if who == "me" {
			fmt.Fprintf(w, " (%s)", m.Status)
		}
		fmt.Fprintf(w, "  %s\n", m.ID)
		for _, a := range m.Attachments {
			fmt.Fprintf(w, "    + %s %s\n", a.Name, humanize.Bytes(uint64(max(a.Size, 0))))
		}
	}
	if len(typers) > 0 {
		names := make([]string, 0, len(typers))
		for _, t := range typers {
			if t.UserName != "" {
				names = append(names, t.UserName)
			} else {
				names = append(names, t.UserID)
			}
		}
		sort.Strings(names)
		fmt.Fprintf(w, "%s typing...\n", strings.Join(names, ", "))
	}
}

func printSearch(w io.Writer, reply api.SearchReply, now time.Time) {
	if reply.Local {
		fmt.Fprintln(w, "(portal unreachable, showing local results)")
	}
	if len(reply.Results) == 0 {
		fmt.Fprintln(w, "No matches.")
		return
	}
	for _, r := range reply.Results {
		text := r.Snippet
		if text == "" {
			text = truncate(r.Message.Content, previewWidth)
		}
		fmt.Fprintf(w, "%-24s %-14s %s\n", r.Message.ConversationID, ago(r.Message.CreatedAt, now), text)
	}
}

func printUnread(w io.Writer, u api.UnreadReply) {
	fmt.Fprintf(w, "Unread: %s\n", humanize.Comma(int64(u.Count)))
	types := make([]string, 0, len(u.ByType))
	for t := range u.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-24s %d\n", t, u.ByType[t])
	}
}

func printEvent(w io.Writer, evt api.Event) {
	fmt.Fprintf(w, "%s %-24s %v\n", evt.Timestamp.Format(time.TimeOnly), evt.Kind, evt.Payload)
}

func messageText(m store.Message) string {
	if m.Content != "" {
		return m.Content
	}
	if n := len(m.Attachments); n > 0 {
		return fmt.Sprintf("[%d attachment(s)]", n)
	}
	return ""
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
