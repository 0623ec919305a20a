// Command aegisctl is the operator tool for aegis: it mints secrets, signs
// test requests the way a device does, and drives the admin key API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"aegis/pkg/auth"
	"aegis/pkg/httpx"
	"aegis/pkg/identity"
	"aegis/pkg/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 10 * time.Second}
	now        = time.Now
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	root := newRootCmd(out)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "aegisctl",
		Short:         "Operator tool for the aegis device trust service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.AddCommand(genSecretCmd(), hashAnswerCmd(), signCmd(), keysCmd())
	return root
}

func genSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-secret",
		Short: "Print a fresh base64 secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := identity.GenerateSecret()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
}

func hashAnswerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-answer <answer>",
		Short: "Hash a security answer for a profile import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := identity.HashAnswer(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

type signOptions struct {
	deviceID string
	secret   string
	method   string
	path     string
	bodyFile string
	nonce    string
	ts       int64
}

// signCmd prints the headers a device would send for one request.
func signCmd() *cobra.Command {
	var opts signOptions
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a request as a registered device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			headers, sts, err := signRequest(opts)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "# string to sign: %s\n", sts)
			for _, k := range []string{"X-Device-Id", "X-Timestamp", "X-Nonce", "X-Signature"} {
				fmt.Fprintf(w, "%s: %s\n", k, headers[k])
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.deviceID, "device-id", "", "device id")
	f.StringVar(&opts.secret, "secret", os.Getenv("AEGIS_DEVICE_SECRET"), "device secret (default $AEGIS_DEVICE_SECRET)")
	f.StringVar(&opts.method, "method", http.MethodGet, "HTTP method")
	f.StringVar(&opts.path, "path", "/", "request path")
	f.StringVar(&opts.bodyFile, "body", "", "file holding the request body")
	f.StringVar(&opts.nonce, "nonce", "", "nonce (random when empty)")
	f.Int64Var(&opts.ts, "timestamp", 0, "unix millis (now when zero)")
	return cmd
}

func signRequest(opts signOptions) (map[string]string, string, error) {
	if strings.TrimSpace(opts.deviceID) == "" || strings.TrimSpace(opts.secret) == "" {
		return nil, "", errors.New("device-id and secret required")
	}
	var body []byte
	if opts.bodyFile != "" {
		raw, err := os.ReadFile(opts.bodyFile)
		if err != nil {
			return nil, "", fmt.Errorf("read body: %w", err)
		}
		body = raw
	}
	if opts.nonce == "" {
		opts.nonce = uuid.NewString()
	}
	if opts.ts == 0 {
		opts.ts = now().UnixMilli()
	}
	sts := auth.CanonicalString(models.SignatureContext{
		Method:          strings.ToUpper(opts.method),
		Path:            opts.path,
		TimestampMillis: opts.ts,
		Nonce:           opts.nonce,
		BodyHash:        identity.BodyHash(body),
	})
	return map[string]string{
		"X-Device-Id": opts.deviceID,
		"X-Timestamp": strconv.FormatInt(opts.ts, 10),
		"X-Nonce":     opts.nonce,
		"X-Signature": identity.Sign(opts.secret, sts),
	}, sts, nil
}

type adminClient struct {
	server string
	token  string
}

func (c adminClient) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var payload []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = raw
	}
	headers := map[string]string{"Authorization": "Bearer " + c.token}
	status, body, err := httpx.RequestJSON(ctx, httpClient, method, strings.TrimRight(c.server, "/")+path, payload, headers, 1, 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &httpx.StatusError{Status: status, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func keysCmd() *cobra.Command {
	var c adminClient
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage client registration keys",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(c.token) == "" {
				return errors.New("admin token required (--token or $AEGIS_ADMIN_TOKEN)")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&c.server, "server", envOr("AEGIS_SERVER", "http://localhost:8080"), "aegis base URL")
	cmd.PersistentFlags().StringVar(&c.token, "token", os.Getenv("AEGIS_ADMIN_TOKEN"), "admin bearer token")

	var description string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue <client-id>",
		Short: "Issue the client's registration key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"clientId": args[0], "description": description}
			if ttl > 0 {
				req["expiresAt"] = now().UTC().Add(ttl)
			}
			return printBody(cmd, c, http.MethodPost, "/v1/admin/keys", req)
		},
	}
	issue.Flags().StringVar(&description, "description", "", "key description")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "expire the key after this long")

	revoke := &cobra.Command{
		Use:   "revoke <client-id>",
		Short: "Revoke the client's registration key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printBody(cmd, c, http.MethodPost, "/v1/admin/keys/"+args[0]+"/revoke", nil)
		},
	}
	regenerate := &cobra.Command{
		Use:   "regenerate <client-id>",
		Short: "Replace the client's registration key value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printBody(cmd, c, http.MethodPost, "/v1/admin/keys/"+args[0]+"/regenerate", nil)
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List registration keys without their values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printBody(cmd, c, http.MethodGet, "/v1/admin/keys", nil)
		},
	}
	cmd.AddCommand(issue, revoke, regenerate, list)
	return cmd
}

func printBody(cmd *cobra.Command, c adminClient, method, path string, in any) error {
	body, err := c.do(cmd.Context(), method, path, in)
	if err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) {
			return fmt.Errorf("%s %s: status %d: %s", method, path, se.Status, se.Body)
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
