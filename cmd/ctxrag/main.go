package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "title",
			Aliases: []string{"t"},
			Usage:   "Source title",
		},
		&cli.StringFlag{
			Name:  "category",
			Usage: "Category stored on the source and usable as a search filter",
		},
		&cli.StringSliceFlag{
			Name:  "tag",
			Usage: "Tag to attach to the source (repeatable)",
		},
		&cli.StringFlag{
			Name:  "description",
			Usage: "Free-form source description",
		},
		&cli.StringFlag{
			Name:  "tenant",
			Usage: "Tenant identifier stored on the source",
		},
	}
}

func searchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "max-results",
			Aliases: []string{"n"},
			Usage:   "Maximum number of chunks to return (default from config)",
		},
		&cli.StringFlag{
			Name:  "category",
			Usage: "Only search sources in this category",
		},
		&cli.StringFlag{
			Name:  "type",
			Usage: "Only search sources of this type (file, url, text)",
		},
		&cli.StringFlag{
			Name:  "tenant",
			Usage: "Only search sources of this tenant",
		},
		&cli.Float64Flag{
			Name:  "vector-weight",
			Usage: "Weight of vector similarity in the combined score",
		},
		&cli.Float64Flag{
			Name:  "bm25-weight",
			Usage: "Weight of lexical relevance in the combined score",
		},
		&cli.Float64Flag{
			Name:  "floor",
			Usage: "Minimum vector similarity for chunks without a lexical match",
		},
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "ctxrag",
		Usage: "Contextual ingestion and hybrid retrieval over a knowledge base",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				EnvVars: []string{"CTXRAG_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Store backend (postgres, memory)",
			},
			&cli.StringFlag{
				Name:  "db-url",
				Usage: "PostgreSQL connection string",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "ingest-text",
				Usage:     "Ingest text from an argument, a file or stdin",
				ArgsUsage: "[text | -]",
				Action:    withApp(ingestTextCommand),
				Flags: append(sourceFlags(),
					&cli.StringFlag{
						Name:    "file",
						Aliases: []string{"f"},
						Usage:   "Read the text from this file",
					},
				),
			},
			{
				Name:      "ingest-file",
				Usage:     "Extract and ingest a document (txt, md, html, docx, pdf)",
				ArgsUsage: "<path>",
				Action:    withApp(ingestFileCommand),
				Flags: append(sourceFlags(),
					&cli.StringFlag{
						Name:  "mime",
						Usage: "MIME type, detected from the extension when empty",
					},
				),
			},
			{
				Name:      "ingest-url",
				Usage:     "Fetch and ingest a web page",
				ArgsUsage: "<url>",
				Action:    withApp(ingestURLCommand),
				Flags: append(sourceFlags(),
					&cli.BoolFlag{
						Name:  "crawl",
						Usage: "Follow same-host links and ingest every page found",
					},
					&cli.IntFlag{
						Name:  "depth",
						Usage: "Maximum crawl depth (default from config)",
					},
				),
			},
			{
				Name:      "search",
				Usage:     "Rank stored chunks against a query",
				ArgsUsage: "<query>",
				Action:    withApp(searchCommand),
				Flags: append(searchFlags(),
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the raw response as JSON",
					},
				),
			},
			{
				Name:      "ask",
				Usage:     "Answer a question from the knowledge base",
				ArgsUsage: "<question>",
				Action:    withApp(askCommand),
				Flags: append(searchFlags(),
					&cli.BoolFlag{
						Name:  "stream",
						Usage: "Stream the answer as it is generated",
						Value: true,
					},
				),
			},
			{
				Name:   "chat",
				Usage:  "Interactive question loop; URLs in a message are ingested first",
				Action: withApp(chatCommand),
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "stream",
						Usage: "Stream answers as they are generated",
						Value: true,
					},
				},
			},
			{
				Name:      "status",
				Usage:     "Show the ingestion status of a source",
				ArgsUsage: "<source-id>",
				Action:    withApp(statusCommand),
			},
			{
				Name:   "list",
				Usage:  "List sources, newest first",
				Action: withApp(listCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Filter by status"},
					&cli.StringFlag{Name: "category", Usage: "Filter by category"},
					&cli.StringFlag{Name: "type", Usage: "Filter by source type"},
					&cli.StringFlag{Name: "tenant", Usage: "Filter by tenant"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of sources", Value: 50},
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a source and its chunks",
				ArgsUsage: "<source-id>",
				Action:    withApp(deleteCommand),
			},
			{
				Name:      "reset",
				Usage:     "Drop the chunks of a source and return it to pending",
				ArgsUsage: "<source-id>",
				Action:    withApp(resetCommand),
			},
			{
				Name:   "serve",
				Usage:  "Serve ingestion and retrieval over a websocket",
				Action: withApp(serveCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (default from config)",
					},
					&cli.BoolFlag{
						Name:  "stream",
						Usage: "Stream answers to ask messages",
						Value: true,
					},
				},
			},
		},
	}
}
