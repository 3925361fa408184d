package mint

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/openecash/mintd/cashu/nuts/nut06"
	"github.com/openecash/mintd/mint/lightning"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

type Config struct {
	DerivationPathIdx uint32
	Port              string
	MintPath          string
	// storage backend, either "sqlite" or "bolt"
	DBBackend   string
	InputFeePpk uint
	MintInfo    MintInfo
	Limits      MintLimits
	// optional mnemonic to derive the mint's master key from. Only
	// used on first startup, afterwards the stored seed is used.
	Mnemonic        string
	LightningClient lightning.Client
	LogLevel        LogLevel
	// NOTE: using this value for testing
	MeltTimeout *time.Duration
}

type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Contact         []nut06.ContactInfo
	Motd            string
	IconURL         string
	URLs            []string
}

type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
	Disabled  bool
}

type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
	Disabled  bool
}

type MintLimits struct {
	MaxBalance      uint64
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
}

// tomlConfig mirrors the mint.toml layout.
type tomlConfig struct {
	Mint struct {
		Port              string `toml:"port"`
		Path              string `toml:"path"`
		DBBackend         string `toml:"db_backend"`
		DerivationPathIdx uint32 `toml:"derivation_path_idx"`
		InputFeePpk       uint   `toml:"input_fee_ppk"`
		LogLevel          string `toml:"log_level"`
	} `toml:"mint"`

	Info struct {
		Name            string   `toml:"name"`
		Description     string   `toml:"description"`
		LongDescription string   `toml:"long_description"`
		Motd            string   `toml:"motd"`
		IconURL         string   `toml:"icon_url"`
		URLs            []string `toml:"urls"`
		ContactEmail    string   `toml:"contact_email"`
		ContactNostr    string   `toml:"contact_nostr"`
	} `toml:"info"`

	Limits struct {
		MaxBalance      uint64 `toml:"max_balance"`
		MintingDisabled bool   `toml:"minting_disabled"`
		MintingMin      uint64 `toml:"minting_min_amount"`
		MintingMax      uint64 `toml:"minting_max_amount"`
		MeltingDisabled bool   `toml:"melting_disabled"`
		MeltingMin      uint64 `toml:"melting_min_amount"`
		MeltingMax      uint64 `toml:"melting_max_amount"`
	} `toml:"limits"`

	Lightning struct {
		Backend string `toml:"backend"`

		Lnd struct {
			GRPCHost     string `toml:"grpc_host"`
			CertPath     string `toml:"cert_path"`
			MacaroonPath string `toml:"macaroon_path"`
		} `toml:"lnd"`

		CLN struct {
			RestURL string `toml:"rest_url"`
		} `toml:"cln"`
	} `toml:"lightning"`
}

// LoadConfig reads the mint configuration from the TOML file at path.
// Secrets (mnemonic, CLN rune) are taken from the environment.
func LoadConfig(path string) (Config, error) {
	var cfg tomlConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("error reading config file: %v", err)
	}

	config := Config{
		DerivationPathIdx: cfg.Mint.DerivationPathIdx,
		Port:              cfg.Mint.Port,
		MintPath:          cfg.Mint.Path,
		DBBackend:         cfg.Mint.DBBackend,
		InputFeePpk:       cfg.Mint.InputFeePpk,
		Mnemonic:          os.Getenv("MINT_MNEMONIC"),
		MintInfo: MintInfo{
			Name:            cfg.Info.Name,
			Description:     cfg.Info.Description,
			LongDescription: cfg.Info.LongDescription,
			Motd:            cfg.Info.Motd,
			IconURL:         cfg.Info.IconURL,
			URLs:            cfg.Info.URLs,
		},
		Limits: MintLimits{
			MaxBalance: cfg.Limits.MaxBalance,
			MintingSettings: MintMethodSettings{
				MinAmount: cfg.Limits.MintingMin,
				MaxAmount: cfg.Limits.MintingMax,
				Disabled:  cfg.Limits.MintingDisabled,
			},
			MeltingSettings: MeltMethodSettings{
				MinAmount: cfg.Limits.MeltingMin,
				MaxAmount: cfg.Limits.MeltingMax,
				Disabled:  cfg.Limits.MeltingDisabled,
			},
		},
	}

	if cfg.Info.ContactEmail != "" {
		config.MintInfo.Contact = append(config.MintInfo.Contact,
			nut06.ContactInfo{Method: "email", Info: cfg.Info.ContactEmail})
	}
	if cfg.Info.ContactNostr != "" {
		config.MintInfo.Contact = append(config.MintInfo.Contact,
			nut06.ContactInfo{Method: "nostr", Info: cfg.Info.ContactNostr})
	}

	if config.Port == "" {
		config.Port = "3338"
	}

	switch cfg.Mint.LogLevel {
	case "debug":
		config.LogLevel = Debug
	case "disable":
		config.LogLevel = Disable
	default:
		config.LogLevel = Info
	}

	switch cfg.Lightning.Backend {
	case "lnd":
		lndClient, err := lightning.SetupLndClient(lightning.LndConfig{
			GRPCHost:     cfg.Lightning.Lnd.GRPCHost,
			CertPath:     cfg.Lightning.Lnd.CertPath,
			MacaroonPath: cfg.Lightning.Lnd.MacaroonPath,
		})
		if err != nil {
			return Config{}, fmt.Errorf("error setting up LND client: %v", err)
		}
		config.LightningClient = lndClient
	case "cln":
		clnClient, err := lightning.SetupCLNClient(lightning.CLNConfig{
			RestURL: cfg.Lightning.CLN.RestURL,
			Rune:    os.Getenv("CLN_RUNE"),
		})
		if err != nil {
			return Config{}, fmt.Errorf("error setting up CLN client: %v", err)
		}
		config.LightningClient = clnClient
	case "fake":
		config.LightningClient = &lightning.FakeBackend{}
	default:
		return Config{}, fmt.Errorf("invalid lightning backend: %q", cfg.Lightning.Backend)
	}

	return config, nil
}

// GetConfigFromEnv builds the mint configuration from environment
// variables only. Used when no config file is passed.
func GetConfigFromEnv() (Config, error) {
	var derivationPathIdx uint32
	if idx := os.Getenv("MINT_DERIVATION_PATH_IDX"); idx != "" {
		parsed, err := strconv.ParseUint(idx, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MINT_DERIVATION_PATH_IDX: %v", err)
		}
		derivationPathIdx = uint32(parsed)
	}

	var inputFeePpk uint
	if fee := os.Getenv("MINT_INPUT_FEE_PPK"); fee != "" {
		parsed, err := strconv.ParseUint(fee, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MINT_INPUT_FEE_PPK: %v", err)
		}
		inputFeePpk = uint(parsed)
	}

	port := os.Getenv("MINT_PORT")
	if port == "" {
		port = "3338"
	}

	config := Config{
		DerivationPathIdx: derivationPathIdx,
		Port:              port,
		MintPath:          os.Getenv("MINT_PATH"),
		DBBackend:         os.Getenv("MINT_DB_BACKEND"),
		InputFeePpk:       inputFeePpk,
		Mnemonic:          os.Getenv("MINT_MNEMONIC"),
		MintInfo: MintInfo{
			Name:        os.Getenv("MINT_NAME"),
			Description: os.Getenv("MINT_DESCRIPTION"),
			Motd:        os.Getenv("MINT_MOTD"),
		},
		LogLevel: Info,
	}

	switch os.Getenv("LIGHTNING_BACKEND") {
	case "lnd":
		lndClient, err := lightning.SetupLndClient(lightning.LndConfig{
			GRPCHost:     os.Getenv("LND_GRPC_HOST"),
			CertPath:     os.Getenv("LND_CERT_PATH"),
			MacaroonPath: os.Getenv("LND_MACAROON_PATH"),
		})
		if err != nil {
			return Config{}, fmt.Errorf("error setting up LND client: %v", err)
		}
		config.LightningClient = lndClient
	case "cln":
		clnClient, err := lightning.SetupCLNClient(lightning.CLNConfig{
			RestURL: os.Getenv("CLN_REST_URL"),
			Rune:    os.Getenv("CLN_RUNE"),
		})
		if err != nil {
			return Config{}, fmt.Errorf("error setting up CLN client: %v", err)
		}
		config.LightningClient = clnClient
	case "fake":
		log.Println("warning: using fake lightning backend, only for testing")
		config.LightningClient = &lightning.FakeBackend{}
	default:
		return Config{}, fmt.Errorf("invalid LIGHTNING_BACKEND: %q", os.Getenv("LIGHTNING_BACKEND"))
	}

	return config, nil
}
