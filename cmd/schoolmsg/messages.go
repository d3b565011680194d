package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"schoolmsg/internal/attachment"
	"schoolmsg/internal/conversation"
	"schoolmsg/internal/domain"
	"schoolmsg/internal/templates"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// withApp builds the stack, runs fn with a signal-aware context and tears
// everything down afterwards.
func withApp(requireToken bool, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(requireToken)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

// pageFlags adds --page and --limit to cmd.
func pageFlags(cmd *cobra.Command, page, limit *int) {
	cmd.Flags().IntVar(page, "page", 1, "page number")
	cmd.Flags().IntVar(limit, "limit", 0, "page size (default: messaging.pageSize)")
}

func sendCmd() *cobra.Command {
	var (
		d        domain.Draft
		tplID    string
		vars     []string
		filePath string
		quiet    bool
	)
	cmd := &cobra.Command{
		Use:   "send COUNTERPART_ID STUDENT_ID [CONTENT]",
		Short: "Send a message, optionally from a template or with one attachment",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d.RecipientID, d.StudentID = args[0], args[1]
			if len(args) == 3 {
				d.Content = args[2]
			}
			return withApp(true, func(ctx context.Context, a *app) error {
				if tplID != "" {
					content, err := renderByID(ctx, a, tplID, vars)
					if err != nil {
						return err
					}
					d.Content = content
				}

				var up *domain.Upload
				if filePath != "" {
					f, upload, err := openUpload(filePath)
					if err != nil {
						return err
					}
					defer f.Close()
					up = &upload
				}

				progress := func(p int) {
					if !quiet {
						fmt.Fprintf(os.Stderr, "\ruploading %3d%%", p)
						if p == 100 {
							fmt.Fprintln(os.Stderr)
						}
					}
				}
				msg, err := a.facade.ComposeAndSend(ctx, d, up, progress)
				if err != nil {
					if up != nil && !quiet {
						fmt.Fprintln(os.Stderr)
					}
					return err
				}
				fmt.Printf("sent %s in %s\n", msg.ID, msg.ConversationKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&d.Subject, "subject", "", "subject line")
	cmd.Flags().StringVar(&d.MessageType, "type", "", "general, academic, behavior, attendance, health or event")
	cmd.Flags().StringVar(&d.Priority, "priority", "", "low, normal, high or urgent")
	cmd.Flags().StringVar(&tplID, "template", "", "render the content from this template id")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "template variable as name=value (repeatable)")
	cmd.Flags().StringVar(&filePath, "file", "", "attach a file (images, PDF and Office documents up to 10MB)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print upload progress")
	return cmd
}

// openUpload opens path and detects its media type from name and content.
func openUpload(path string) (*os.File, domain.Upload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.Upload{}, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, domain.Upload{}, err
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		return nil, domain.Upload{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, domain.Upload{}, err
	}
	return f, domain.Upload{
		Name:      filepath.Base(path),
		MediaType: attachment.DetectMediaType(path, head[:n]),
		SizeBytes: info.Size(),
		Body:      f,
	}, nil
}

func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, want name=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

func renderByID(ctx context.Context, a *app, id string, pairs []string) (string, error) {
	vars, err := parseVars(pairs)
	if err != nil {
		return "", err
	}
	res := a.facade.Templates(ctx)
	if !res.Success {
		return "", res.Err
	}
	for _, t := range res.Data {
		if t.ID == id {
			out := a.facade.RenderTemplate(t.Template, vars)
			if missing := templates.Placeholders(out); len(missing) > 0 {
				logger.Warn("template has unfilled placeholders", "template", id, "missing", missing)
			}
			return out, nil
		}
	}
	return "", fmt.Errorf("template %q not found", id)
}

func historyCmd() *cobra.Command {
	var (
		page, limit int
		offline     bool
	)
	cmd := &cobra.Command{
		Use:   "history COUNTERPART_ID STUDENT_ID",
		Short: "Show a conversation, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(!offline, func(ctx context.Context, a *app) error {
				self := a.facade.Self()
				key, err := conversation.ForParticipants(self, args[0], args[1])
				if err != nil {
					return err
				}
				if limit <= 0 {
					limit = a.cfg.Messaging.PageSize
				}

				if offline {
					n := a.cfg.Archive.HistoryLimit
					if limit > 0 && cmd.Flags().Changed("limit") {
						n = limit
					}
					msgs, err := a.facade.Archived(ctx, key.String(), n)
					if err != nil {
						return err
					}
					printMessages(self, msgs)
					return nil
				}

				if page <= 1 {
					if _, err := a.facade.OpenConversation(ctx, args[0], args[1]); err != nil {
						logger.Warn("service unreachable, showing archived messages", "err", err)
					}
					printMessages(self, a.facade.Messages(key.String()))
					return nil
				}
				res := a.facade.Conversation(ctx, args[0], args[1], page, limit)
				if !res.Success {
					return res.Err
				}
				printMessages(self, reversed(res.Data))
				return nil
			})
		},
	}
	pageFlags(cmd, &page, &limit)
	cmd.Flags().BoolVar(&offline, "offline", false, "read from the local archive only")
	return cmd
}

func inboxCmd() *cobra.Command {
	var (
		page, limit int
		unread      bool
	)
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List received messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app) error {
				res := a.facade.Inbox(ctx, page, limit, unread)
				if !res.Success {
					return res.Err
				}
				printMessages(a.facade.Self(), res.Data)
				return nil
			})
		},
	}
	pageFlags(cmd, &page, &limit)
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread messages")
	return cmd
}

func conversationsCmd() *cobra.Command {
	var (
		page, limit int
		offline     bool
	)
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations with their last message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(!offline, func(ctx context.Context, a *app) error {
				if offline {
					if a.archive == nil {
						return fmt.Errorf("archive is disabled")
					}
					infos, err := a.archive.Conversations(ctx)
					if err != nil {
						return err
					}
					for _, c := range infos {
						fmt.Printf("%-60s %4d messages, %3d unread, last %s\n",
							c.Key, c.Messages, c.Unread, humanize.Time(c.LastAt))
					}
					return nil
				}
				res := a.facade.Conversations(ctx, page, limit)
				if !res.Success {
					return res.Err
				}
				for _, c := range res.Data {
					last := "-"
					if c.LastMessage != nil {
						last = fmt.Sprintf("%s: %s", humanize.Time(c.LastMessage.CreatedAt), oneLine(c.LastMessage.Content, 60))
					}
					fmt.Printf("%s about %s (%d unread)\n  %s\n  %s\n",
						nameOf(c.Counterpart), c.Student.DisplayName, c.UnreadCount, c.ConversationKey, last)
				}
				return nil
			})
		},
	}
	pageFlags(cmd, &page, &limit)
	cmd.Flags().BoolVar(&offline, "offline", false, "list archived conversations")
	return cmd
}

func searchCmd() *cobra.Command {
	var page, limit int
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app) error {
				res := a.facade.Search(ctx, strings.Join(args, " "), page, limit)
				if !res.Success {
					return res.Err
				}
				printMessages(a.facade.Self(), res.Data)
				return nil
			})
		},
	}
	pageFlags(cmd, &page, &limit)
	return cmd
}

func statsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show message statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app) error {
				res := a.facade.Stats(ctx, days)
				if !res.Success {
					return res.Err
				}
				s := res.Data
				fmt.Printf("Last %d days: %s sent, %s received, %s unread\n",
					s.TimeframeDays, humanize.Comma(int64(s.Sent)), humanize.Comma(int64(s.Received)), humanize.Comma(int64(s.Unread)))
				printCounts("By type", s.ByType)
				printCounts("By priority", s.ByPriority)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "timeframe in days")
	return cmd
}

func contactsCmd() *cobra.Command {
	var studentID string
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "List people you can message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app) error {
				res := a.facade.Contacts(ctx, studentID)
				if !res.Success {
					return res.Err
				}
				for _, c := range res.Data {
					fmt.Printf("%-24s %-8s %s\n", c.ID, c.Role, c.DisplayName)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&studentID, "student", "", "only contacts related to this student")
	return cmd
}

func templatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List message templates (service and local packs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app) error {
				res := a.facade.Templates(ctx)
				if !res.Success {
					return res.Err
				}
				for _, t := range res.Data {
					fmt.Printf("%-20s [%s] %s\n  %s\n  placeholders: %s\n",
						t.ID, t.Category, t.Title, oneLine(t.Template, 80), strings.Join(templates.Placeholders(t.Template), ", "))
				}
				return nil
			})
		},
	}
}

func renderCmd() *cobra.Command {
	var (
		vars []string
		text string
	)
	cmd := &cobra.Command{
		Use:   "render [TEMPLATE_ID]",
		Short: "Fill a template's {placeholders} and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if text != "" {
				m, err := parseVars(vars)
				if err != nil {
					return err
				}
				fmt.Println(templates.Render(text, m))
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("pass a TEMPLATE_ID or --text")
			}
			return withApp(false, func(ctx context.Context, a *app) error {
				out, err := renderByID(ctx, a, args[0], vars)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable as name=value (repeatable)")
	cmd.Flags().StringVar(&text, "text", "", "render this text instead of a stored template")
	return cmd
}

func downloadCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download MESSAGE_ID INDEX",
		Short: "Download an attachment of a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil || index < 0 {
				return fmt.Errorf("INDEX must be a non-negative number")
			}
			return withApp(true, func(ctx context.Context, a *app) error {
				res := a.facade.DownloadAttachment(ctx, args[0], index)
				if !res.Success {
					return res.Err
				}
				path := output
				if path == "" {
					path = res.Data.FileName
				}
				if err := os.WriteFile(path, res.Data.Bytes, 0o644); err != nil {
					return err
				}
				fmt.Printf("saved %s (%s, %s)\n", path, humanize.Bytes(uint64(len(res.Data.Bytes))), res.Data.MediaType)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: the attachment's file name)")
	return cmd
}

// --- Printing ---

func printMessages(self domain.Participant, msgs []domain.Message) {
	if len(msgs) == 0 {
		fmt.Println("(no messages)")
		return
	}
	for _, m := range msgs {
		dir := "<-"
		if m.SenderID == self.ID {
			dir = "->"
		}
		status := ""
		switch {
		case m.Failed:
			status = " [failed]"
		case m.Pending():
			status = " [sending]"
		case !m.IsRead:
			status = " [unread]"
		}
		id := m.ID
		if id == "" {
			id = m.CorrelationID
		}
		fmt.Printf("%s %s %s (%s/%s) %s%s\n", humanize.Time(m.CreatedAt), dir, m.SenderID, m.MessageType, m.Priority, id, status)
		if m.Subject != "" {
			fmt.Printf("  subject: %s\n", m.Subject)
		}
		fmt.Printf("  %s\n", strings.ReplaceAll(m.Content, "\n", "\n  "))
		for i, att := range m.Attachments {
			fmt.Printf("  [%d] %s (%s, %s)\n", i, att.OriginalName, humanize.Bytes(uint64(att.SizeBytes)), att.MediaType)
		}
	}
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Printf("%s:\n", title)
	for k, v := range counts {
		fmt.Printf("  %-12s %s\n", k, humanize.Comma(int64(v)))
	}
}

func reversed(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

func nameOf(c domain.Contact) string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.ID
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > width {
		return s[:width-3] + "..."
	}
	return s
}
