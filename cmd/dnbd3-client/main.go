package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/pkg/altclient"
	"github.com/ln-tech/dnbd3/pkg/client"
)

const connectTimeout = 10 * time.Second

func main() {
	log.SetLevel(log.InfoLevel)
	servers := flag.String("servers", "", "comma-separated host[:port] list of candidate servers")
	image := flag.String("image", "", "image name to request")
	rid := flag.Uint("rid", 0, "requested revision id, 0 for latest")
	learnNew := flag.Bool("learn-new", true, "merge alt-servers learned from GET_SERVERS into the registry")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *servers == "" || *image == "" {
		fmt.Fprintln(os.Stderr, "usage: dnbd3-client -servers host1,host2 -image name [-rid N]")
		os.Exit(2)
	}
	hostList := strings.Split(*servers, ",")

	registry := altclient.NewRegistry()
	m := client.New(registry)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	ok, err := m.Init(ctx, hostList, *image, uint16(*rid), *learnNew)
	if !ok || err != nil {
		log.Errorf("[CLIENT] connect failed: %v", err)
		os.Exit(1)
	}
	if err := m.InitThreads(); err != nil {
		log.Errorf("[CLIENT] starting background threads: %v", err)
		os.Exit(1)
	}
	defer m.Close()

	log.Infof("[CLIENT] ready: image %q size %d bytes", *image, m.GetImageSize())

	// This composition root only demonstrates a single block read; a
	// real front end (FUSE, block device driver) would drive Read from
	// its own I/O loop instead. Out of scope per spec.md §1.
	done := make(chan struct{})
	_, err = m.Read(0, 4096, client.ModeBuffered, func(data []byte, err error) {
		if err != nil {
			log.Errorf("[CLIENT] read failed: %v", err)
		} else {
			log.Infof("[CLIENT] read %d bytes at offset 0", len(data))
		}
		close(done)
	})
	if err != nil {
		log.Errorf("[CLIENT] enqueue failed: %v", err)
		os.Exit(1)
	}
	<-done
}
