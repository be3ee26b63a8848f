// Command opensslwasm runs OpenSSL primitives from the command line against a
// WebAssembly or native build of the glue library.
//
// Configuration is read from OPENSSL_WASM_* variables, optionally loaded from a
// .env file, and can be overridden with flags.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shamaton/msgpack/v2"

	opensslwasm "github.com/unityaisolutions/openssl-web-js"
	"github.com/unityaisolutions/openssl-web-js/types"
)

const usage = `usage: opensslwasm [flags] <command> [args]

commands:
  version                    print the library version
  store <file>               save a module binary in the cache directory
  hash [-alg name] <text>    digest text (md5, sha1, sha256, sha384, sha512)
  hmac [-alg name] <key> <text>
  rand <n>                   n random bytes, hex encoded
  keygen [-bits n] [-passphrase p]
                             generate an RSA key pair
  b64enc <text>              base64 encode text
  b64dec <text>              base64 decode to raw bytes

flags:
`

type globalFlags struct {
	envFile  string
	format   string
	logLevel string
	backend  string
	module   string
	cacheDir string
	stats    bool
}

// record is what every command prints.
type record struct {
	Command string `json:"command" msgpack:"command"`
	Value   any    `json:"value" msgpack:"value"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var g globalFlags
	flags := flag.NewFlagSet("opensslwasm", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&g.envFile, "env", ".env", "dotenv file with OPENSSL_WASM_* settings")
	flags.StringVar(&g.format, "format", "text", "output format: text, json or msgpack")
	flags.StringVar(&g.logLevel, "log-level", "warn", "log level")
	flags.StringVar(&g.backend, "backend", "", "override OPENSSL_WASM_BACKEND")
	flags.StringVar(&g.module, "module", "", "override OPENSSL_WASM_PATH")
	flags.StringVar(&g.cacheDir, "cache-dir", "", "override OPENSSL_WASM_CACHE_DIR")
	flags.BoolVar(&g.stats, "stats", false, "log foreign memory counters on exit")
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("missing command")
	}
	switch g.format {
	case "text", "json", "msgpack":
	default:
		return fmt.Errorf("unknown format %q", g.format)
	}

	logger, err := newLogger(stderr, g.logLevel)
	if err != nil {
		return err
	}
	if err := godotenv.Load(g.envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || g.envFile != ".env" {
			return fmt.Errorf("loading %s: %w", g.envFile, err)
		}
	}
	cfg, err := types.ConfigFromEnv()
	if err != nil {
		return err
	}
	if g.backend != "" {
		cfg.Backend = types.Backend(g.backend)
	}
	if g.module != "" {
		cfg.ModulePath = g.module
	}
	if g.cacheDir != "" {
		cfg.CacheDir = g.cacheDir
	}

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	// store works on the cache directory alone and never loads the library.
	if cmd == "store" {
		value, err := store(cfg, rest)
		if err != nil {
			return err
		}
		return emit(stdout, g.format, record{Command: cmd, Value: value})
	}

	lib, err := opensslwasm.Open(ctx, cfg, opensslwasm.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if g.stats {
			m := lib.Metrics()
			logger.Info().
				Uint64("allocations", m.Allocations).
				Uint64("adoptions", m.Adoptions).
				Uint64("frees", m.Frees).
				Msg("foreign memory")
		}
		if err := lib.Cleanup(ctx); err != nil {
			logger.Error().Err(err).Msg("cleanup failed")
		}
	}()

	value, err := dispatch(ctx, lib, cmd, rest)
	if err != nil {
		return err
	}
	return emit(stdout, g.format, record{Command: cmd, Value: value})
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(lvl).With().Timestamp().Logger(), nil
}

func dispatch(ctx context.Context, lib *opensslwasm.Library, cmd string, args []string) (any, error) {
	switch cmd {
	case "version":
		return lib.Version(ctx)
	case "hash":
		flags := flag.NewFlagSet(cmd, flag.ContinueOnError)
		alg := flags.String("alg", "sha256", "digest algorithm")
		text, err := oneArg(flags, args)
		if err != nil {
			return nil, err
		}
		a, err := types.ParseDigestAlgorithm(*alg)
		if err != nil {
			return nil, err
		}
		sum, err := lib.HashString(ctx, a, text)
		if err != nil {
			return nil, err
		}
		return lib.ToHex(sum), nil
	case "hmac":
		flags := flag.NewFlagSet(cmd, flag.ContinueOnError)
		alg := flags.String("alg", "sha256", "digest algorithm")
		if err := flags.Parse(args); err != nil {
			return nil, err
		}
		if flags.NArg() != 2 {
			return nil, errors.New("hmac needs a key and a text")
		}
		a, err := types.ParseDigestAlgorithm(*alg)
		if err != nil {
			return nil, err
		}
		mac, err := lib.HMAC(ctx, a, []byte(flags.Arg(0)), []byte(flags.Arg(1)))
		if err != nil {
			return nil, err
		}
		return lib.ToHex(mac), nil
	case "rand":
		if len(args) != 1 {
			return nil, errors.New("rand needs a byte count")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, err
		}
		b, err := lib.RandomBytes(ctx, n)
		if err != nil {
			return nil, err
		}
		return lib.ToHex(b), nil
	case "keygen":
		flags := flag.NewFlagSet(cmd, flag.ContinueOnError)
		bits := flags.Int("bits", 2048, "modulus size")
		passphrase := flags.String("passphrase", "", "encrypt the private key")
		if err := flags.Parse(args); err != nil {
			return nil, err
		}
		return lib.GenerateRSAKeyPair(ctx, *bits, opensslwasm.WithPassphrase(*passphrase))
	case "b64enc":
		if len(args) != 1 {
			return nil, errors.New("b64enc needs a text")
		}
		return lib.Base64Encode(ctx, []byte(args[0]))
	case "b64dec":
		if len(args) != 1 {
			return nil, errors.New("b64dec needs a text")
		}
		raw, err := lib.Base64Decode(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

func oneArg(flags *flag.FlagSet, args []string) (string, error) {
	if err := flags.Parse(args); err != nil {
		return "", err
	}
	if flags.NArg() != 1 {
		return "", fmt.Errorf("%s needs exactly one argument", flags.Name())
	}
	return flags.Arg(0), nil
}

func store(cfg types.Config, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("store needs a module file")
	}
	if cfg.CacheDir == "" {
		return "", fmt.Errorf("store needs a cache directory (-cache-dir or %s)", types.EnvCacheDir)
	}
	code, err := os.ReadFile(args[0])
	if err != nil {
		return "", err
	}
	sum, err := opensslwasm.StoreCode(cfg.CacheDir, code)
	if err != nil {
		return "", err
	}
	return sum.String(), nil
}

func emit(w io.Writer, format string, r record) error {
	switch format {
	case "json":
		return json.NewEncoder(w).Encode(r)
	case "msgpack":
		bz, err := msgpack.Marshal(r)
		if err != nil {
			return err
		}
		_, err = w.Write(bz)
		return err
	default:
		if kp, ok := r.Value.(types.KeyPair); ok {
			_, err := fmt.Fprint(w, kp.PrivateKey, kp.PublicKey)
			return err
		}
		_, err := fmt.Fprintln(w, r.Value)
		return err
	}
}
