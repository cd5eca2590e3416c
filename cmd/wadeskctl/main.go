// Command wadeskctl is an interactive operator console for the store:
// publishing flow definitions, provisioning channel connections, and
// inspecting advisors and queues without going through the HTTP API
// cmd/wadeskd exposes (which, per spec.md §1, stops at the operator
// actions already backed by a conversation — it has no connections-CRUD
// surface at all).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/sipeed/wadesk/pkg/config"
	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/secrets"
	"github.com/sipeed/wadesk/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, report := config.LoadFromEnv()
	if !report.OK() {
		fmt.Fprintln(os.Stderr, report.String())
		return 1
	}

	db, err := store.Open(cfg.StoreDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer db.Close()

	secretsStore, err := openSecretsReadonly(cfg, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init secrets: %v\n", err)
		return 1
	}

	rl, err := readline.New("wadeskctl> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		return 1
	}
	defer rl.Close()

	c := &console{db: db, secrets: secretsStore, out: os.Stdout}
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return 0
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := c.dispatch(fields); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// openSecretsReadonly derives the same process key cmd/wadeskd does,
// requiring the salt to already exist — wadeskctl never boots a bare
// store and is never the thing that provisions the salt.
func openSecretsReadonly(cfg *config.Config, db *store.Store) (*secrets.Store, error) {
	salt, ok, err := db.GetSecret("process_salt")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store has no process salt yet; start wadeskd once before using wadeskctl")
	}
	key := secrets.DeriveKey(cfg.ProcessSecret, salt)
	return secrets.New(key, db)
}

type console struct {
	db      *store.Store
	secrets *secrets.Store
	out     io.Writer
}

func (c *console) dispatch(fields []string) error {
	cmd, rest := fields[0], fields[1:]
	switch cmd {
	case "help":
		c.help()
	case "exit", "quit":
		os.Exit(0)
	case "flow":
		return c.flow(rest)
	case "conn":
		return c.conn(rest)
	case "advisor":
		return c.advisor(rest)
	case "queue":
		return c.queue(rest)
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
	return nil
}

func (c *console) help() {
	fmt.Fprint(c.out, `commands:
  flow list
  flow show <id>
  flow publish <id> <name> <version> <definition.json>
  conn list
  conn show <id>
  conn set <id> --alias=... --phone-id=... --display=... --access-token=... --verify-token=...
           [--default-queue=...] [--default-flow=...] [--bot-timeout=<minutes>] [--fallback-queue=...]
  advisor list
  advisor show <id>
  advisor status <id> <status-id>
  queue list
  queue show <id>
  exit
`)
}

func (c *console) flow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: flow <list|show|publish> ...")
	}
	switch args[0] {
	case "list":
		flows, err := c.db.ListPublishedFlows()
		if err != nil {
			return err
		}
		for _, f := range flows {
			fmt.Fprintf(c.out, "%-20s v%-3d %s\n", f.ID, f.Version, f.Name)
		}
	case "show":
		if len(args) != 2 {
			return fmt.Errorf("usage: flow show <id>")
		}
		f, err := c.db.GetFlow(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "id=%s name=%s version=%d published=%v\n%s\n", f.ID, f.Name, f.Version, f.IsPublished, f.DefinitionJSON)
	case "publish":
		if len(args) != 5 {
			return fmt.Errorf("usage: flow publish <id> <name> <version> <definition.json>")
		}
		version, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("version must be an integer: %w", err)
		}
		data, err := os.ReadFile(args[4])
		if err != nil {
			return err
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s is not valid JSON", args[4])
		}
		row := &store.FlowRow{
			ID:             args[1],
			Name:           args[2],
			Version:        version,
			IsPublished:    true,
			DefinitionJSON: string(data),
		}
		if err := c.db.SaveFlow(row); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "published %s v%d\n", row.ID, row.Version)
	default:
		return fmt.Errorf("unknown flow subcommand %q", args[0])
	}
	return nil
}

func (c *console) conn(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: conn <list|show|set> ...")
	}
	switch args[0] {
	case "list":
		conns, err := c.db.ListChannelConnections()
		if err != nil {
			return err
		}
		for _, conn := range conns {
			fmt.Fprintf(c.out, "%-20s %-20s phone_id=%s display=%s\n", conn.ID, conn.Alias, conn.ProviderPhoneID, conn.DisplayNumber)
		}
	case "show":
		if len(args) != 2 {
			return fmt.Errorf("usage: conn show <id>")
		}
		conn, err := c.db.GetChannelConnection(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "id=%s alias=%s phone_id=%s display=%s active=%v default_queue=%s default_flow=%s bot_timeout=%dm fallback_queue=%s\n",
			conn.ID, conn.Alias, conn.ProviderPhoneID, conn.DisplayNumber, conn.IsActive,
			conn.DefaultQueueID, conn.DefaultFlowID, conn.BotTimeoutMinutes, conn.FallbackQueueID)
	case "set":
		return c.connSet(args[1:])
	default:
		return fmt.Errorf("unknown conn subcommand %q", args[0])
	}
	return nil
}

// connSet creates or updates a channel connection, re-reading the
// existing row first so flags the caller omits keep their current
// value rather than getting zeroed out.
func (c *console) connSet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: conn set <id> --flag=value ...")
	}
	id := args[0]
	flags, err := parseFlags(args[1:])
	if err != nil {
		return err
	}

	conn, err := c.db.GetChannelConnection(id)
	if err != nil {
		conn = &model.ChannelConnection{ID: id, IsActive: true}
	}

	if v, ok := flags["alias"]; ok {
		conn.Alias = v
	}
	if v, ok := flags["phone-id"]; ok {
		conn.ProviderPhoneID = v
	}
	if v, ok := flags["display"]; ok {
		conn.DisplayNumber = v
	}
	if v, ok := flags["access-token"]; ok {
		enc, err := c.secrets.EncryptBlob([]byte(v))
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		conn.AccessTokenEnc = enc
	}
	if v, ok := flags["verify-token"]; ok {
		enc, err := c.secrets.EncryptBlob([]byte(v))
		if err != nil {
			return fmt.Errorf("encrypt verify token: %w", err)
		}
		conn.VerifyTokenEnc = enc
	}
	if v, ok := flags["default-queue"]; ok {
		conn.DefaultQueueID = v
	}
	if v, ok := flags["default-flow"]; ok {
		conn.DefaultFlowID = v
	}
	if v, ok := flags["fallback-queue"]; ok {
		conn.FallbackQueueID = v
	}
	if v, ok := flags["bot-timeout"]; ok {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("bot-timeout must be an integer: %w", err)
		}
		conn.BotTimeoutMinutes = minutes
	}

	if err := c.db.SaveChannelConnection(conn); err != nil {
		return err
	}
	logger.InfoCF("wadeskctl", "channel connection saved", map[string]interface{}{"id": conn.ID})
	fmt.Fprintf(c.out, "saved %s\n", conn.ID)
	return nil
}

func (c *console) advisor(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: advisor <list|show|status> ...")
	}
	switch args[0] {
	case "list":
		advisors, err := c.db.ListAdvisors()
		if err != nil {
			return err
		}
		for _, a := range advisors {
			fmt.Fprintf(c.out, "%-20s %-20s role=%s status=%s\n", a.ID, a.Username, a.Role, a.StatusID)
		}
	case "show":
		if len(args) != 2 {
			return fmt.Errorf("usage: advisor show <id>")
		}
		a, err := c.db.GetAdvisor(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "id=%s username=%s display=%s role=%s status=%s manually_offline=%v\n",
			a.ID, a.Username, a.DisplayName, a.Role, a.StatusID, a.IsManuallyOffline)
	case "status":
		if len(args) != 3 {
			return fmt.Errorf("usage: advisor status <id> <status-id>")
		}
		if err := c.db.SetAdvisorStatus(args[1], args[2]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s -> %s\n", args[1], args[2])
	default:
		return fmt.Errorf("unknown advisor subcommand %q", args[0])
	}
	return nil
}

func (c *console) queue(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: queue <list|show> ...")
	}
	switch args[0] {
	case "list":
		queues, err := c.db.ListQueues()
		if err != nil {
			return err
		}
		for _, q := range queues {
			fmt.Fprintf(c.out, "%-20s %-20s mode=%s max_concurrent=%d advisors=%d status=%s\n",
				q.ID, q.Name, q.DistributionMode, q.MaxConcurrent, len(q.AssignedAdvisors), q.Status)
		}
	case "show":
		if len(args) != 2 {
			return fmt.Errorf("usage: queue show <id>")
		}
		q, err := c.db.GetQueue(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "id=%s name=%s mode=%s max_concurrent=%d advisors=%v supervisors=%v status=%s rr_cursor=%d\n",
			q.ID, q.Name, q.DistributionMode, q.MaxConcurrent, q.AssignedAdvisors, q.Supervisors, q.Status, q.RRCursor)
	default:
		return fmt.Errorf("unknown queue subcommand %q", args[0])
	}
	return nil
}

// parseFlags turns "--key=value" tokens into a map; a bare "--key"
// with no "=" is rejected rather than silently treated as a boolean,
// since every flag this console accepts takes a value.
func parseFlags(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			return nil, fmt.Errorf("expected a --flag=value argument, got %q", a)
		}
		kv := strings.SplitN(strings.TrimPrefix(a, "--"), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("flag %q needs a value (--flag=value)", a)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}
