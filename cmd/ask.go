package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"tutor-backend/internal/model"
	"tutor-backend/internal/service"
	"tutor-backend/pkg/logger"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
)

var (
	askFile       string
	askNewSession bool
	askRawHTML    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question and stream the answer to the terminal",
	Long: `Send a question to the active session and print the reply as it
streams. Press Ctrl-C to cancel the reply; the session keeps a note that
the request was cancelled.`,
	Example: `  tutor ask "Why is the sky blue?"
  tutor ask --file notes.pdf "Summarise this"`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askFile, "file", "f", "", "Attach a file to the question")
	askCmd.Flags().BoolVar(&askNewSession, "new", false, "Ask in a new session")
	askCmd.Flags().BoolVar(&askRawHTML, "html", false, "Print visuals as raw HTML")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT)
	defer stop()

	_, chatService, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer chatService.Close()
	logger.SetOutput(cmd.ErrOrStderr())

	var file *model.Attachment
	if askFile != "" {
		if file, err = readAttachment(askFile); err != nil {
			return err
		}
	}

	if askNewSession {
		chatService.CreateSession("")
	}

	out := cmd.OutOrStdout()
	outcome, err := chatService.StreamChat(ctx, strings.Join(args, " "), file, func(ev model.StreamEvent) {
		printEvent(out, cmd.ErrOrStderr(), ev)
	})
	if err != nil {
		return err
	}

	switch outcome.State {
	case service.StateCancelled:
		fmt.Fprintln(cmd.ErrOrStderr(), service.CancelledText)
	case service.StateFailed:
		return outcome.Err
	}
	return nil
}

func readAttachment(path string) (*model.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return &model.Attachment{
		Name:      filepath.Base(path),
		MediaType: mimetype.Detect(data).String(),
		Data:      data,
	}, nil
}

func printEvent(out, errOut io.Writer, ev model.StreamEvent) {
	switch ev.Type {
	case model.EventPart:
		if ev.Part == nil {
			return
		}
		switch ev.Part.Type {
		case model.PartExplanation:
			fmt.Fprintf(out, "%s\n\n", ev.Part.Text)
		case model.PartVisual:
			label := "visual"
			if ev.Part.IsSummary {
				label = "summary"
			}
			if askRawHTML {
				fmt.Fprintf(out, "[%s]\n%s\n\n", label, ev.Part.HTML)
			} else {
				fmt.Fprintf(out, "[%s: %d bytes of HTML]\n\n", label, len(ev.Part.HTML))
			}
		}
	case model.EventWarning:
		fmt.Fprintf(errOut, "warning: %s\n", ev.Error)
	case model.EventFailed:
		fmt.Fprintf(errOut, "error: %s\n", ev.Error)
	}
}
