// Package query contains the command running one query against the configured stores.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/streamcache/streamcache/cmd/run"
	"github.com/streamcache/streamcache/pkg/coordinator"
	"github.com/streamcache/streamcache/pkg/expression"
	"github.com/streamcache/streamcache/pkg/logger"
	"github.com/streamcache/streamcache/pkg/query"
)

const (
	collectionFlag   = "collection"
	filterFlag       = "filter"
	readOptionsFlag  = "read-options"
	orderFlag        = "order"
	limitFlag        = "limit"
	kindFlag         = "kind"
	expressionFlag   = "expression"
	keepFlag         = "keep"
	initialValueFlag = "initial-value"
	batchSizeFlag    = "batch-size"
	timeoutFlag      = "timeout"
	noCacheFlag      = "no-cache"
	seedFlag         = "seed"
)

func NewQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a query against the configured stores",
		Long: `Run a resolve, filter, reduce or map operation over a collection and print the result as JSON.

The query goes through the same cache coordination as the server: a completed result cached by
any streamcache process sharing the cache store is returned without executing the query.

Example:
  streamcache query --collection people --filter '{"firstName":{"$regex":"Chris"}}' \
    --kind resolve --expression doc.surName`,
		RunE: runQuery,
		Args: cobra.NoArgs,
	}

	flags := cmd.Flags()

	run.AddStoreFlags(flags)

	flags.String(collectionFlag, "", "(required) the collection to query")
	flags.String(filterFlag, "{}", "the filter selecting documents, as a JSON object")
	flags.String(readOptionsFlag, "", "the read options (projection, hint, ...), as a JSON object")
	flags.Int(orderFlag, 0, "the traversal order by document identity (1 or -1); 0 uses the configured default")
	flags.Int(limitFlag, 0, "the maximum number of scanned documents; 0 means no limit")
	flags.String(kindFlag, string(query.KindResolve), "the operation kind ('resolve', 'filter', 'reduce', 'map')")
	flags.String(expressionFlag, "", "(required) the CEL expression of the operation; the document is 'doc' and the reduce accumulator is 'acc'")
	flags.String(keepFlag, "", "a CEL boolean expression deciding whether a resolve keeps a document")
	flags.String(initialValueFlag, "", "the initial accumulator of a reduce, as JSON")
	flags.Int(batchSizeFlag, 0, "the cursor batch size; 0 uses the configured default")
	flags.Duration(timeoutFlag, 0, "how long to wait for the result; 0 uses the configured default")
	flags.Bool(noCacheFlag, false, "ignore completed cached results")
	flags.String(seedFlag, "", "a JSON file holding an array of documents inserted into the collection before the query runs")

	// NOTE: if you add a new store flag, update run.AddStoreFlags

	cmd.PreRun = run.BindFlagsFunc(flags)

	return cmd
}

type request struct {
	descriptor query.Descriptor
	definition expression.Definition
	config     coordinator.RunConfig
	seed       string
}

func decodeJSONFlag(flags *pflag.FlagSet, name string, v any) error {
	raw, err := flags.GetString(name)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("invalid '--%s': %w", name, err)
	}
	return nil
}

func readRequest(flags *pflag.FlagSet) (*request, error) {
	var (
		req  request
		errs []error
	)

	collection, _ := flags.GetString(collectionFlag)
	if collection == "" {
		return nil, fmt.Errorf("'--%s' is required", collectionFlag)
	}

	var filter query.Filter
	errs = append(errs, decodeJSONFlag(flags, filterFlag, &filter))
	var readOptions query.ReadOptions
	errs = append(errs, decodeJSONFlag(flags, readOptionsFlag, &readOptions))
	errs = append(errs, decodeJSONFlag(flags, initialValueFlag, &req.config.InitialValue))
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	order, _ := flags.GetInt(orderFlag)
	limit, _ := flags.GetInt(limitFlag)
	kind, _ := flags.GetString(kindFlag)
	req.definition.Kind = query.Kind(kind)
	req.definition.Expression, _ = flags.GetString(expressionFlag)
	req.definition.Keep, _ = flags.GetString(keepFlag)

	req.descriptor = query.Descriptor{
		Collection:  collection,
		Filter:      filter,
		ReadOptions: readOptions,
		Order:       query.Order(order),
		Limit:       limit,
		Kind:        req.definition.Kind,
	}

	req.config.BatchSize, _ = flags.GetInt(batchSizeFlag)
	req.config.Timeout, _ = flags.GetDuration(timeoutFlag)
	req.config.NoCache, _ = flags.GetBool(noCacheFlag)
	req.seed, _ = flags.GetString(seedFlag)

	return &req, nil
}

func readSeed(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var docs []json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("seed file '%s' must hold a JSON array of documents: %w", path, err)
	}

	return docs, nil
}

func runQuery(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := run.ReadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Verify(); err != nil {
		return err
	}

	req, err := readRequest(cmd.Flags())
	if err != nil {
		return err
	}

	if req.descriptor.Order == 0 {
		req.descriptor.Order = query.Order(cfg.Execution.Order)
	}
	if req.config.BatchSize == 0 {
		req.config.BatchSize = cfg.Execution.BatchSize
	}
	if req.config.Timeout == 0 {
		req.config.Timeout = cfg.Execution.Timeout
	}

	op, err := expression.Compile(req.definition)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	deps, err := run.BuildDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close(log)

	if req.seed != "" {
		docs, err := readSeed(req.seed)
		if err != nil {
			return err
		}
		ids, err := deps.Datastore.InsertDocuments(ctx, req.descriptor.Collection, docs)
		if err != nil {
			return fmt.Errorf("failed to seed collection '%s': %w", req.descriptor.Collection, err)
		}
		log.Info(fmt.Sprintf("seeded %d documents into '%s'", len(ids), req.descriptor.Collection))
	}

	start := time.Now()
	res, err := deps.Coordinator.RunAndResolve(ctx, req.descriptor, op, req.config)
	if err != nil {
		return err
	}
	log.Debug(fmt.Sprintf("query answered from '%s' in %s", res.Source, time.Since(start)))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
