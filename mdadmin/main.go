// mdadmin is the operator tool for a medchain node. It opens the node's
// database directly, so it must run on the host holding the db file and
// only while the node itself is stopped.
package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/medchain/fhe"
	"go.dedis.ch/medchain/identity"
	"go.dedis.ch/medchain/journal"
	"go.dedis.ch/medchain/record"
	"go.dedis.ch/medchain/state"
	"go.dedis.ch/medchain/verify"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	cli "gopkg.in/urfave/cli.v1"
)

type config struct {
	// DB is the path of the node's bbolt database.
	DB string
	// Admin is the privileged identity, used as the default caller.
	Admin string
	// AIVerifier is the automated-verification identity.
	AIVerifier string
}

var cmds = cli.Commands{
	{
		Name:   "keygen",
		Usage:  "generate a new identity keypair",
		Action: keygen,
	},
	{
		Name:   "status",
		Usage:  "show store totals",
		Action: status,
	},
	{
		Name:  "records",
		Usage: "list the record IDs of a contributor",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "owner, o",
				Usage: "contributor identity (ed25519:hex)",
			},
			cli.IntFlag{
				Name:  "offset",
				Usage: "number of records to skip",
			},
			cli.IntFlag{
				Name:  "limit, l",
				Value: 20,
				Usage: "maximal number of records to list",
			},
		},
		Action: records,
	},
	{
		Name:  "consent",
		Usage: "show the consent level of a record",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "id, i",
				Usage: "record ID in hex",
			},
		},
		Action: consent,
	},
	{
		Name:  "verification",
		Usage: "show the verification state of a record",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "id, i",
				Usage: "record ID in hex",
			},
		},
		Action: verification,
	},
	{
		Name:  "trust",
		Usage: "compute the trust score of a record",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "id, i",
				Usage: "record ID in hex",
			},
		},
		Action: trust,
	},
	{
		Name:  "reputation",
		Usage: "show the reputation of a contributor",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "contributor, c",
				Usage: "contributor identity (ed25519:hex)",
			},
		},
		Action: reputation,
	},
	{
		Name:  "provider",
		Usage: "show a registered provider",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "id, i",
				Usage: "provider identity (ed25519:hex)",
			},
		},
		Action: provider,
	},
	{
		Name:  "journal",
		Usage: "search the audit journal",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "from, f",
				Usage: "start of the search window (RFC3339)",
			},
			cli.StringFlag{
				Name:  "to",
				Usage: "end of the search window (RFC3339)",
			},
			cli.StringFlag{
				Name:  "topic, t",
				Usage: "only return entries with this topic",
			},
		},
		Action: searchJournal,
	},
	{
		Name:  "flag",
		Usage: "flag a record as suspicious",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "id, i",
				Usage: "record ID in hex",
			},
			cli.StringFlag{
				Name:  "reason, r",
				Usage: "why the record is flagged",
			},
			cli.StringFlag{
				Name:  "as",
				Usage: "caller identity, defaults to the configured admin",
			},
		},
		Action: flag,
	},
	{
		Name:  "slash",
		Usage: "slash the stake of a flagged record",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "id, i",
				Usage: "record ID in hex",
			},
			cli.StringFlag{
				Name:  "reporter, r",
				Usage: "identity that reported the record (ed25519:hex)",
			},
		},
		Action: slash,
	},
}

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "mdadmin"
	cliApp.Usage = "Inspect and administrate a medchain database."
	cliApp.Version = "0.1"
	cliApp.Commands = cmds
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
		cli.StringFlag{
			Name:   "config, c",
			Value:  "mdadmin.toml",
			EnvVar: "MDADMIN_CONFIG",
			Usage:  "path to the toml configuration",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	log.ErrFatal(cliApp.Run(os.Args))
}

// env is the set of engines opened on the node's database. It carries no
// eligibility backend: mdadmin never submits or queries on a caller's
// behalf, it only inspects and administrates.
type env struct {
	db     *state.DB
	store  *record.Store
	verify *verify.Engine
	jrnl   *journal.Journal
	cfg    config
}

// noSubmit refuses both capabilities, so a mistaken write through the
// admin store fails closed.
type noSubmit struct{}

func (noSubmit) CanSubmit(identity.ID) bool { return false }
func (noSubmit) CanQuery(identity.ID) bool  { return false }

func openEnv(c *cli.Context) (*env, error) {
	fn := c.GlobalString("config")
	buf, err := ioutil.ReadFile(fn)
	if err != nil {
		return nil, xerrors.Errorf("reading config %v: %v", fn, err)
	}
	var cfg config
	if err := toml.Unmarshal(buf, &cfg); err != nil {
		return nil, xerrors.Errorf("parsing config %v: %v", fn, err)
	}
	if cfg.DB == "" {
		return nil, xerrors.New("config misses the DB path")
	}
	admin, err := identity.ParseID(cfg.Admin)
	if err != nil {
		return nil, xerrors.Errorf("config admin: %v", err)
	}
	var aiVerifier identity.ID
	if cfg.AIVerifier != "" {
		aiVerifier, err = identity.ParseID(cfg.AIVerifier)
		if err != nil {
			return nil, xerrors.Errorf("config ai-verifier: %v", err)
		}
	}

	db, err := state.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	jrnl := journal.New(db)
	store := record.NewStore(db, fhe.NewTestEngine(), admin, noSubmit{},
		record.DefaultConfig(admin), journal.SubmissionLogger{J: jrnl})
	ve := verify.NewEngine(store, jrnl,
		verify.DefaultConfig(aiVerifier, admin))
	return &env{db: db, store: store, verify: ve, jrnl: jrnl, cfg: cfg}, nil
}

func (e *env) close() {
	if err := e.db.Close(); err != nil {
		log.Error("closing db:", err)
	}
}

// caller returns the identity given with --as, or the configured admin.
func (e *env) caller(c *cli.Context) (identity.ID, error) {
	if s := c.String("as"); s != "" {
		return identity.ParseID(s)
	}
	return identity.ParseID(e.cfg.Admin)
}

// Verification timestamps are stored in Unix seconds, journal entries in
// Unix nanoseconds.
func secondsRFC3339(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func nanosRFC3339(nanos int64) string {
	return time.Unix(0, nanos).UTC().Format(time.RFC3339)
}

func recordID(c *cli.Context) (record.ID, error) {
	s := c.String("id")
	if s == "" {
		return nil, xerrors.New("--id is required")
	}
	id, err := hex.DecodeString(s)
	if err != nil {
		return nil, xerrors.Errorf("parsing record ID: %v", err)
	}
	return record.ID(id), nil
}

func keygen(c *cli.Context) error {
	signer := identity.NewSigner()
	secret, err := signer.Secret.MarshalBinary()
	if err != nil {
		return err
	}
	fmt.Printf("Identity: %v\n", signer.Identity())
	fmt.Printf("Secret:   %x\n", secret)
	return nil
}

func status(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	total, err := env.store.Total()
	if err != nil {
		return err
	}
	fmt.Printf("Records: %v\n", total)
	return nil
}

func records(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	owner, err := identity.ParseID(c.String("owner"))
	if err != nil {
		return xerrors.Errorf("--owner: %v", err)
	}
	ids, total, err := env.store.OwnerRecords(owner, c.Int("offset"),
		c.Int("limit"))
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Printf("%x\n", []byte(id))
	}
	fmt.Printf("Showing %v of %v records.\n", len(ids), total)
	return nil
}

func consent(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	id, err := recordID(c)
	if err != nil {
		return err
	}
	rec, err := env.store.Get(id)
	if err != nil {
		return err
	}
	level := "aggregate-only"
	if rec.Consent == record.ConsentIndividualAllowed {
		level = "individual-allowed"
	}
	active := "active"
	if !rec.Active {
		active = "revoked"
	}
	fmt.Printf("Record %x: %v, %v\n", []byte(id), level, active)
	return nil
}

func verification(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	id, err := recordID(c)
	if err != nil {
		return err
	}
	v, err := env.verify.Status(id)
	if err != nil {
		return err
	}
	fmt.Printf("Status:     %v\n", v.Status)
	fmt.Printf("Confidence: %v\n", v.Confidence)
	fmt.Printf("Stake:      %v\n", v.Stake.Value)
	if v.VerifiedAt != 0 {
		fmt.Printf("VerifiedAt: %v\n", secondsRFC3339(v.VerifiedAt))
	}
	return nil
}

func trust(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	id, err := recordID(c)
	if err != nil {
		return err
	}
	score, err := env.verify.TrustScore(id)
	if err != nil {
		return err
	}
	fmt.Printf("Trust score: %v/100\n", score)
	return nil
}

func reputation(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	contributor, err := identity.ParseID(c.String("contributor"))
	if err != nil {
		return xerrors.Errorf("--contributor: %v", err)
	}
	rep, err := env.verify.Reputation(contributor)
	if err != nil {
		return err
	}
	fmt.Printf("Score:       %v\n", rep.Score)
	fmt.Printf("Submissions: %v\n", rep.Submissions)
	fmt.Printf("Verified:    %v\n", rep.Verified)
	fmt.Printf("Flagged:     %v\n", rep.Flagged)
	fmt.Printf("Slashed:     %v\n", rep.Slashed)
	return nil
}

func provider(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	id, err := identity.ParseID(c.String("id"))
	if err != nil {
		return xerrors.Errorf("--id: %v", err)
	}
	p, err := env.verify.GetProvider(id)
	if err != nil {
		return err
	}
	fmt.Printf("Name:         %v\n", p.Name)
	fmt.Printf("License:      %v\n", p.License)
	fmt.Printf("Attestations: %v\n", p.Attestations)
	return nil
}

func searchJournal(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	var from, to int64
	if s := c.String("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return xerrors.Errorf("--from: %v", err)
		}
		from = t.UnixNano()
	}
	if s := c.String("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return xerrors.Errorf("--to: %v", err)
		}
		to = t.UnixNano()
	}
	entries, truncated, err := env.jrnl.Search(from, to, c.String("topic"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%v [%v] %v\n", nanosRFC3339(e.When), e.Topic, e.Content)
	}
	if truncated {
		fmt.Println("(truncated, narrow the search window)")
	}
	return nil
}

func flag(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	id, err := recordID(c)
	if err != nil {
		return err
	}
	caller, err := env.caller(c)
	if err != nil {
		return err
	}
	if err := env.verify.Flag(caller, id, c.String("reason")); err != nil {
		return err
	}
	fmt.Printf("Record %x flagged.\n", []byte(id))
	return nil
}

func slash(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.close()

	id, err := recordID(c)
	if err != nil {
		return err
	}
	admin, err := identity.ParseID(env.cfg.Admin)
	if err != nil {
		return err
	}
	reporter, err := identity.ParseID(c.String("reporter"))
	if err != nil {
		return xerrors.Errorf("--reporter: %v", err)
	}
	if err := env.verify.Slash(admin, id, reporter); err != nil {
		return err
	}
	fmt.Printf("Record %x slashed, reporter rewarded.\n", []byte(id))
	return nil
}
