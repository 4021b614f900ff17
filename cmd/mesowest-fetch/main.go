// Command mesowest-fetch retrieves METAR observations from the MesoWest API
// for a set of stations and caches the reformatted hourly series to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ensnet/ensnet/logging"
	"github.com/ensnet/ensnet/mesowest"
)

const dateLayout = "2006010215"

func main() {
	token := flag.String("token", os.Getenv("MESOWEST_TOKEN"), "MesoWest API token (defaults to MESOWEST_TOKEN)")
	start := flag.String("start", "", "window start as YYYYMMDDHH (UTC)")
	end := flag.String("end", "", "window end as YYYYMMDDHH (UTC)")
	stations := flag.String("stations", "", "comma-separated station IDs, e.g. KSEA,KPDX")
	variables := flag.String("vars", "TMP2,DPT2,MSLP,UGRD,VGRD", "comma-separated standard variable names")
	cacheFile := flag.String("cache", "", "gob cache path; reused when it exists, written after a fetch")
	withMeta := flag.Bool("metadata", false, "also fetch and print station metadata")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := logging.Init(*debug); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	logger := logging.Sugared()

	if *token == "" {
		logger.Fatalf("no API token: pass -token or set MESOWEST_TOKEN")
	}
	if *stations == "" {
		logger.Fatalf("no stations requested: pass -stations")
	}
	startTime, err := time.ParseInLocation(dateLayout, *start, time.UTC)
	if err != nil {
		logger.Fatalf("invalid -start %q: %v", *start, err)
	}
	endTime, err := time.ParseInLocation(dateLayout, *end, time.UTC)
	if err != nil {
		logger.Fatalf("invalid -end %q: %v", *end, err)
	}
	if !endTime.After(startTime) {
		logger.Fatalf("window end %s is not after start %s", *end, *start)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := mesowest.NewClient(*token, logger)
	req := mesowest.TimeseriesRequest{
		Start:     startTime,
		End:       endTime,
		Stations:  strings.Split(*stations, ","),
		Variables: strings.Split(*variables, ","),
	}

	ts, err := client.Load(ctx, req, *cacheFile)
	if err != nil {
		logger.Fatalf("fetch failed: %v", err)
	}

	for stid, series := range ts {
		names := make([]string, 0, len(series.Values))
		for name := range series.Values {
			names = append(names, name)
		}
		logger.Infow("station loaded",
			"station", stid,
			"hours", len(series.Times),
			"variables", names,
			"missing", countMissing(series),
		)
	}

	if *withMeta {
		meta, err := client.Metadata(ctx, req.Stations)
		if err != nil {
			logger.Fatalf("metadata fetch failed: %v", err)
		}
		for stid, m := range meta {
			logger.Infow("station metadata",
				"station", stid,
				"name", m.Name,
				"lat", m.Latitude,
				"lon", m.Longitude,
				"elevation", m.Elevation,
			)
		}
	}
}

// countMissing tallies NaN observations across all variables of a series.
func countMissing(s *mesowest.Series) int {
	n := 0
	for _, col := range s.Values {
		for _, x := range col {
			if math.IsNaN(x) {
				n++
			}
		}
	}
	return n
}
