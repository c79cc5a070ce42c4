package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/block/mysql-coldbackup/internal/audit"
	"github.com/block/mysql-coldbackup/internal/authstore"
	"github.com/block/mysql-coldbackup/internal/chunking"
	"github.com/block/mysql-coldbackup/internal/layout"
	"github.com/block/mysql-coldbackup/internal/model"
	"github.com/block/mysql-coldbackup/internal/placement"
	"github.com/block/mysql-coldbackup/internal/transfer"
)

// Globals are the flags shared by every subcommand.
type Globals struct {
	Storage string `help:"Base directory for received archives, credentials and staging state." default:"/var/lib/mysql-coldbackup/receiver"`
	JSON    bool   `help:"Print machine-readable JSON output." name:"json"`
}

var cli struct {
	Globals

	Serve       ServeCmd       `cmd:"" help:"Run the receiver server."`
	Credentials CredentialsCmd `cmd:"" help:"Manage AuthStore client credentials."`
}

func main() {
	ctx := kong.Parse(&cli, kong.Name("receiver"), kong.Description("MySQL cold-backup file receiver."))
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}

// deriveKey turns the host-supplied symmetric key material (an
// environment variable, per spec.md §6's "symmetric key supplied by
// the host") into the 32-byte AES-256 key authstore needs.
func deriveKey() [32]byte {
	secret := os.Getenv("MYSQL_COLDBACKUP_CREDENTIAL_KEY")
	if secret == "" {
		secret = "mysql-coldbackup-dev-key-change-me"
	}
	return sha256.Sum256([]byte(secret))
}

// ServeCmd starts the TransferProtocol server.
type ServeCmd struct {
	Port    int    `required:"" help:"TCP port to listen on."`
	TLS     bool   `help:"Require TLS for incoming connections."`
	Cert    string `help:"PEM certificate file, required when --tls is set."`
	Key     string `help:"PEM private key file, required when --tls is set."`
	Storage string `help:"Overrides the global storage directory for this invocation."`
}

func (c *ServeCmd) Run(g *Globals) error {
	storage := c.Storage
	if storage == "" {
		storage = g.Storage
	}

	logger := logrus.New()

	store, err := authstore.Open(filepath.Join(storage, "credentials.enc"), deriveKey())
	if err != nil {
		return fmt.Errorf("receiver: opening credential store: %w", err)
	}

	auditLog := audit.New(audit.Config{Path: filepath.Join(storage, "audit.log")})
	defer auditLog.Close()

	chunkMgr := chunking.NewManager(chunking.Config{
		StagingDir: filepath.Join(storage, "staging"),
		ChunkSize:  4 << 20,
	}, logger)

	placer := placement.New(filepath.Join(storage, "archives"), layout.DirectoryStrategy{
		Type:        layout.ServerDateBased,
		Granularity: layout.GranularityDay,
	}, layout.FileNamingStrategy{
		Pattern:    "{server}_{timestamp}",
		DateFormat: "20060102_150405",
	})

	listener, err := c.listen()
	if err != nil {
		return fmt.Errorf("receiver: listening on port %d: %w", c.Port, err)
	}
	defer listener.Close()

	srv := transfer.NewServer(listener, chunkMgr, store, auditLog, placer, transfer.Config{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if g.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{"event": "listening", "port": c.Port, "tls": c.TLS})
	} else {
		logger.Infof("receiver listening on port %d (tls=%v)", c.Port, c.TLS)
	}

	err = srv.Serve(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *ServeCmd) listen() (net.Listener, error) {
	addr := fmt.Sprintf(":%d", c.Port)
	if !c.TLS {
		return net.Listen("tcp", addr)
	}
	if c.Cert == "" || c.Key == "" {
		return nil, fmt.Errorf("receiver: --cert and --key are required with --tls")
	}
	cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("receiver: loading TLS certificate: %w", err)
	}
	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
}

// CredentialsCmd groups AuthStore management subcommands.
type CredentialsCmd struct {
	Init   CredentialsInitCmd   `cmd:"" help:"Initialize the credential store, seeding the default client."`
	Add    CredentialsAddCmd    `cmd:"" help:"Add or replace a client's credentials."`
	Remove CredentialsRemoveCmd `cmd:"" help:"Deactivate a client."`
	List   CredentialsListCmd   `cmd:"" help:"List known clients."`
}

func openStore(g *Globals) (*authstore.Store, error) {
	return authstore.Open(filepath.Join(g.Storage, "credentials.enc"), deriveKey())
}

// CredentialsInitCmd seeds (or confirms) the credential store.
type CredentialsInitCmd struct{}

func (c *CredentialsInitCmd) Run(g *Globals) error {
	_, err := openStore(g)
	if err != nil {
		return err
	}
	return printResult(g, map[string]any{"status": "initialized"})
}

// CredentialsAddCmd adds or replaces one client's credentials.
type CredentialsAddCmd struct {
	ClientID     string `required:"" help:"Client identifier."`
	ClientSecret string `required:"" help:"Client secret (stored as a salted hash)."`
	Name         string `help:"Human-readable label for this client."`
}

func (c *CredentialsAddCmd) Run(g *Globals) error {
	start := time.Now()
	store, err := openStore(g)
	if err != nil {
		return err
	}

	auditLog := audit.New(audit.Config{Path: filepath.Join(g.Storage, "audit.log")})
	defer auditLog.Close()

	if err := store.Add(c.ClientID, c.ClientSecret, c.Name); err != nil {
		auditLog.RecordOutcome(c.ClientID, model.OperationTokenCreation, model.OutcomeFailure, time.Since(start), "CredentialAddFailed", err.Error())
		return err
	}
	auditLog.RecordOutcome(c.ClientID, model.OperationTokenCreation, model.OutcomeSuccess, time.Since(start), "", "")
	return printResult(g, map[string]any{"status": "added", "clientId": c.ClientID})
}

// CredentialsRemoveCmd deactivates a client.
type CredentialsRemoveCmd struct {
	ClientID string `required:"" arg:"" help:"Client identifier to deactivate."`
}

func (c *CredentialsRemoveCmd) Run(g *Globals) error {
	store, err := openStore(g)
	if err != nil {
		return err
	}
	if err := store.Remove(c.ClientID); err != nil {
		return err
	}
	return printResult(g, map[string]any{"status": "removed", "clientId": c.ClientID})
}

// CredentialsListCmd lists all known clients (never their secrets).
type CredentialsListCmd struct{}

func (c *CredentialsListCmd) Run(g *Globals) error {
	store, err := openStore(g)
	if err != nil {
		return err
	}
	creds, err := store.List()
	if err != nil {
		return err
	}
	type summary struct {
		ClientID string `json:"clientId"`
		Name     string `json:"name"`
		Active   bool   `json:"active"`
	}
	summaries := make([]summary, 0, len(creds))
	for _, cred := range creds {
		summaries = append(summaries, summary{ClientID: cred.ClientID, Name: cred.Name, Active: cred.Active})
	}
	if g.JSON {
		return json.NewEncoder(os.Stdout).Encode(summaries)
	}
	for _, s := range summaries {
		fmt.Printf("%s\t%s\tactive=%v\n", s.ClientID, s.Name, s.Active)
	}
	return nil
}

func printResult(g *Globals, v map[string]any) error {
	if g.JSON {
		return json.NewEncoder(os.Stdout).Encode(v)
	}
	fmt.Println(v["status"])
	return nil
}
