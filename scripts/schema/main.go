package main

import (
	"flag"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/workspace-chat/pkg/config"
	"github.com/mahaj/workspace-chat/pkg/db"
	"github.com/mahaj/workspace-chat/pkg/logging"
)

// Creates the keyspace and every table. With -drop, the named table is
// dropped first so it is recreated from the current definition.
func main() {
	drop := flag.String("drop", "", "table to drop before creating the schema (e.g. messages)")
	flag.Parse()

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger, err := logging.New(cfg.Config, "schema")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build logger")
	}

	if err := db.EnsureKeyspace(cfg.Hosts(), cfg.ScyllaKeyspace, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to create keyspace")
	}
	session, err := db.NewSession(cfg.Hosts(), cfg.ScyllaKeyspace, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	if *drop != "" {
		logger.Info().Str("table", *drop).Msg("dropping table")
		if err := session.DropTable(*drop); err != nil {
			logger.Fatal().Err(err).Msg("failed to drop table")
		}
	}
	if err := session.CreateTables(); err != nil {
		logger.Fatal().Err(err).Msg("failed to create tables")
	}
	for _, t := range db.Tables {
		logger.Info().Str("table", t.Name).Msg("table ready")
	}
}
