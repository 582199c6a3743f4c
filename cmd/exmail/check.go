package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/JB-SelfCompany/exmail/internal/config"
	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/logging"
	"github.com/JB-SelfCompany/exmail/internal/utils"
)

func checkCmd() *cobra.Command {
	var (
		username string
		password string
		sendTo   string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Sign on, count the inbox and optionally send a test message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if username == "" {
				return fmt.Errorf("--user is required")
			}
			if password == "" {
				if password, err = askPass("Password for " + username); err != nil {
					return fmt.Errorf("askPass: %w", err)
				}
			}
			logger := logging.New(os.Stderr, "exmail", cfg.Debug)
			account, err := cfg.Account(username, password)
			if err != nil {
				return err
			}
			cfg.LogAccount(logger, account)
			opts := account.Options
			opts.Log = logger

			client, err := exchange.NewClient(opts)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			if err := client.Connect(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, color.GreenString("Signed on to %s as %s", opts.Server, opts.Username))

			infos, err := client.ListMessageInfo(ctx, account.Unfiltered, account.Limit)
			if err != nil {
				return err
			}
			var size int64
			for _, info := range infos {
				size += info.Size
			}
			fmt.Fprintf(out, "Inbox of %s: %d messages (%d bytes)\n", opts.Mailbox, len(infos), size)

			if sendTo == "" {
				return nil
			}
			msg, err := testMessage(sendTo)
			if err != nil {
				return err
			}
			if err := client.Send(ctx, []string{sendTo}, msg); err != nil {
				return err
			}
			fmt.Fprintln(out, color.GreenString("Sent test message to %s", sendTo))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "login, as user or user:mailbox[options]")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password, prompted for when empty")
	cmd.Flags().StringVar(&sendTo, "send-to", "", "send a test message to this address")
	return cmd
}

func testMessage(to string) (io.Reader, error) {
	addr, err := utils.ParseAddress(to)
	if err != nil {
		return nil, err
	}
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject("exmail test message")
	h.SetAddressList("To", []*mail.Address{{Address: addr}})
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mail.CreateSingleInlineWriter: %w", err)
	}
	fmt.Fprintf(w, "Sent by exmail %s.\r\n", version)
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func askPass(prompt string) (string, error) {
	f := os.Stdin
	if !term.IsTerminal(int(f.Fd())) {
		var err error
		if f, err = os.Open("/dev/tty"); err != nil {
			return "", err
		}
		defer f.Close()
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	b, err := term.ReadPassword(int(f.Fd()))
	if err == nil {
		fmt.Fprintln(os.Stderr)
	}
	return strings.TrimRight(string(b), "\r\n"), err
}
