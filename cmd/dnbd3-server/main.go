package main

import (
	"flag"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/ln-tech/dnbd3/pkg/altserver"
	"github.com/ln-tech/dnbd3/pkg/diskguard"
	"github.com/ln-tech/dnbd3/pkg/image"
	"github.com/ln-tech/dnbd3/pkg/integrity"
	"github.com/ln-tech/dnbd3/pkg/server"
	"github.com/ln-tech/dnbd3/pkg/uplink"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

const (
	defaultListen         = ":5003"
	defaultDiskHeadroom   = 1 << 30 // 1 GiB
	diskGuardPollInterval = 5 * time.Minute
	maxIdleWorkers        = 64
)

// bootstrapConfig holds the [server] section of the ini.v1 bootstrap
// file plus the [uplink] section's alt_servers_file.
// Everything else (CLI argument parsing proper, image discovery
// globbing beyond a flat directory scan) is an out-of-scope external
// collaborator; this composition root only wires the in-scope packages.
type bootstrapConfig struct {
	BasePath       string
	ListenAddress  string
	DiskHeadroom   int64
	AltServersFile string
}

func loadConfig(path string) (bootstrapConfig, error) {
	cfg := bootstrapConfig{ListenAddress: defaultListen, DiskHeadroom: defaultDiskHeadroom}
	f, err := ini.Load(path)
	if err != nil {
		return cfg, err
	}
	sec := f.Section("server")
	cfg.BasePath = sec.Key("base_path").String()
	if v := sec.Key("listen_address").String(); v != "" {
		cfg.ListenAddress = v
	}
	if v, err := sec.Key("disk_headroom_bytes").Int64(); err == nil && v > 0 {
		cfg.DiskHeadroom = v
	}
	cfg.AltServersFile = f.Section("uplink").Key("alt_servers_file").String()
	return cfg, nil
}

func main() {
	log.SetLevel(log.InfoLevel)
	configPath := flag.String("config", "/etc/dnbd3-server.ini", "bootstrap config file, ini.v1 format")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Errorf("[SERVER] loading %s: %v", *configPath, err)
		os.Exit(1)
	}
	if cfg.BasePath == "" {
		log.Errorf("[SERVER] %s: [server] base_path is required", *configPath)
		os.Exit(1)
	}

	images := image.NewRegistry()
	if err := images.LoadAll(cfg.BasePath); err != nil {
		log.Errorf("[SERVER] scanning %s: %v", cfg.BasePath, err)
		os.Exit(1)
	}
	log.Infof("[SERVER] loaded %d image(s) from %s", len(images.All()), cfg.BasePath)

	selfHost := wire.Host{}
	altReg := altserver.NewRegistry(selfHost)
	if cfg.AltServersFile != "" {
		f, err := os.Open(cfg.AltServersFile)
		if err != nil {
			log.Errorf("[SERVER] opening alt-servers file %s: %v", cfg.AltServersFile, err)
			os.Exit(1)
		}
		err = altReg.LoadFile(f)
		f.Close()
		if err != nil {
			log.Errorf("[SERVER] parsing alt-servers file %s: %v", cfg.AltServersFile, err)
			os.Exit(1)
		}
	}

	checker := integrity.New()
	defer checker.Shutdown()

	guard := diskguard.New(images, cfg.BasePath, false)
	go func() {
		ticker := time.NewTicker(diskGuardPollInterval)
		defer ticker.Stop()
		for range ticker.C {
			guard.EnsureDiskSpace(cfg.DiskHeadroom, false)
		}
	}()

	factory := func(img *image.Image) image.UplinkRef {
		return uplink.New(img, altReg, checker)
	}
	srv := server.New(images, altReg, checker, factory, selfHost, maxIdleWorkers)

	if err := srv.ListenAndServe(cfg.ListenAddress); err != nil {
		log.Errorf("[SERVER] %v", err)
		os.Exit(1)
	}
}
