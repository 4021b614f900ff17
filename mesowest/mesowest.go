// Package mesowest retrieves METAR surface observations from the MesoWest
// (Synoptic Data) API and reformats them into hourly series keyed by
// standard variable names. Hourly METAR reports carry station-specific
// minute stamps, so each station's series is filtered to its modal report
// minute before being aligned to an hourly index.
package mesowest

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the Synoptic Data API root.
const DefaultBaseURL = "https://api.synopticdata.com/v2"

// dateFormat is the API's YYYYMMDDHHMM timestamp layout.
const dateFormat = "200601021504"

// interpolateLimit caps how many consecutive missing hours get filled by
// linear interpolation after reindexing.
const interpolateLimit = 2

// apiNames maps standard variable names to the API's request parameters.
var apiNames = map[string]string{
	"TMP2": "air_temp",
	"DPT2": "dew_point_temperature",
	"MSLP": "altimeter",
	"VIS":  "visibility",
	"UGRD": "wind_speed,wind_direction",
	"VGRD": "wind_speed,wind_direction",
	"WGST": "wind_gust",
	"ACPC": "precip_accum_one_hour",
	"SNOL": "precip_accum_one_hour",
	"CLD":  "cloud_layer_1_code,cloud_layer_2_code,cloud_layer_3_code",
}

// standardNames maps API response variables back to standard names.
var standardNames = map[string]string{
	"air_temp":              "TMP2",
	"dew_point_temperature": "DPT2",
	"altimeter":             "MSLP",
	"visibility":            "VIS",
	"wind_gust":             "WGST",
	"precip_accum_one_hour": "ACPC",
}

// cloudFractions converts METAR cloud layer codes to fractional coverage.
var cloudFractions = map[int]float64{
	1: 0.0,
	2: 0.5,
	3: 0.75,
	4: 1.0,
	6: 0.25,
}

// TranslateVariables converts standard variable names to the comma-joined
// API parameter string, erroring on unrecognized variables.
func TranslateVariables(variables []string) (string, error) {
	names := make([]string, 0, len(variables))
	for _, v := range variables {
		name, ok := apiNames[v]
		if !ok {
			return "", fmt.Errorf("mesowest: %q is not a recognized variable", v)
		}
		names = append(names, name)
	}
	return strings.Join(names, ","), nil
}

// Client talks to the MesoWest API.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client

	logger *zap.SugaredLogger
}

// NewClient returns a client with the default endpoint and a 30 second
// request timeout. A nil logger disables logging.
func NewClient(token string, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		Token:      token,
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// TimeseriesRequest selects the stations, variables, and window to fetch.
// Variables use standard names (TMP2, UGRD, CLD, ...).
type TimeseriesRequest struct {
	Start     time.Time
	End       time.Time
	Stations  []string
	Variables []string
}

// Series is one station's hourly observations: a shared time index plus one
// value column per variable. Missing observations are NaN.
type Series struct {
	Times  []time.Time
	Values map[string][]float64
}

// Timeseries is the per-station observation set keyed by station ID.
type Timeseries map[string]*Series

type apiSummary struct {
	ResponseCode    int    `json:"RESPONSE_CODE"`
	ResponseMessage string `json:"RESPONSE_MESSAGE"`
}

type apiStation struct {
	STID            string                     `json:"STID"`
	Name            string                     `json:"NAME"`
	Latitude        string                     `json:"LATITUDE"`
	Longitude       string                     `json:"LONGITUDE"`
	Elevation       string                     `json:"ELEVATION"`
	SensorVariables map[string]map[string]any  `json:"SENSOR_VARIABLES"`
	Observations    map[string]json.RawMessage `json:"OBSERVATIONS"`
}

type apiResponse struct {
	Summary  apiSummary   `json:"SUMMARY"`
	Stations []apiStation `json:"STATION"`
}

// Timeseries fetches and reformats observations for the requested window.
func (c *Client) Timeseries(ctx context.Context, req TimeseriesRequest) (Timeseries, error) {
	vars, err := TranslateVariables(req.Variables)
	if err != nil {
		return nil, err
	}

	v := url.Values{}
	v.Set("token", c.Token)
	v.Set("stid", strings.Join(req.Stations, ","))
	v.Set("vars", vars)
	v.Set("start", req.Start.UTC().Format(dateFormat))
	v.Set("end", req.End.UTC().Format(dateFormat))
	v.Set("obtimezone", "utc")

	resp, err := c.get(ctx, "/stations/timeseries", v)
	if err != nil {
		return nil, err
	}

	out := make(Timeseries, len(resp.Stations))
	for _, st := range resp.Stations {
		series, err := reformatStation(st, req.Start, req.End)
		if err != nil {
			return nil, fmt.Errorf("mesowest: station %s: %w", st.STID, err)
		}
		out[st.STID] = series
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, v url.Values) (*apiResponse, error) {
	u := c.BaseURL + path + "?" + v.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("mesowest: create request: %w", err)
	}

	c.logger.Debugf("requesting %s%s for %s", c.BaseURL, path, v.Get("stid"))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mesowest: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mesowest: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mesowest: %s returned status %s", path, resp.Status)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("mesowest: decode response: %w", err)
	}
	if parsed.Summary.ResponseCode != 1 {
		return nil, fmt.Errorf("mesowest: API error: %s", parsed.Summary.ResponseMessage)
	}
	return &parsed, nil
}

// reformatStation turns one station's raw column-oriented observations into
// an hourly Series with standard variable names.
func reformatStation(st apiStation, start, end time.Time) (*Series, error) {
	var rawTimes []string
	if err := json.Unmarshal(st.Observations["date_time"], &rawTimes); err != nil {
		return nil, fmt.Errorf("decode date_time: %w", err)
	}
	times := make([]time.Time, len(rawTimes))
	for i, s := range rawTimes {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("parse observation time %q: %w", s, err)
		}
		times[i] = t.UTC()
	}

	// The response keys columns by sensor set names like air_temp_set_1;
	// SENSOR_VARIABLES maps each variable to its set key.
	cols := make(map[string][]float64)
	for variable, sets := range st.SensorVariables {
		for setKey := range sets {
			raw, ok := st.Observations[setKey]
			if !ok {
				continue
			}
			var vals []*float64
			if err := json.Unmarshal(raw, &vals); err != nil {
				return nil, fmt.Errorf("decode %s: %w", setKey, err)
			}
			col := make([]float64, len(vals))
			for i, p := range vals {
				if p == nil {
					col[i] = math.NaN()
				} else {
					col[i] = *p
				}
			}
			cols[variable] = col
			break
		}
	}

	// METAR sites report hourly at a site-specific minute; keep only rows
	// at the station's modal report minute.
	mode := modalMinute(times)
	keep := make([]int, 0, len(times))
	for i, t := range times {
		if t.Minute() == mode {
			keep = append(keep, i)
		}
	}
	times = pickTimes(times, keep)
	for name, col := range cols {
		cols[name] = pickValues(col, keep)
	}

	if col, ok := cols["precip_accum_one_hour"]; ok {
		for i, x := range col {
			if math.IsNaN(x) {
				col[i] = 0
			}
		}
	}

	if c1, ok := cols["cloud_layer_1_code"]; ok {
		c2 := cols["cloud_layer_2_code"]
		c3 := cols["cloud_layer_3_code"]
		cloud := make([]float64, len(c1))
		for i := range c1 {
			cloud[i] = totalCloud(c1[i], layerAt(c2, i), layerAt(c3, i))
		}
		delete(cols, "cloud_layer_1_code")
		delete(cols, "cloud_layer_2_code")
		delete(cols, "cloud_layer_3_code")
		cols["CLD"] = cloud
	}

	if speed, ok := cols["wind_speed"]; ok {
		dir := cols["wind_direction"]
		u := make([]float64, len(speed))
		w := make([]float64, len(speed))
		for i := range speed {
			rad := layerAt(dir, i) * math.Pi / 180
			u[i] = -speed[i] * math.Sin(rad)
			w[i] = -speed[i] * math.Cos(rad)
		}
		cols["UGRD"] = u
		cols["VGRD"] = w
	}

	for apiName, std := range standardNames {
		if col, ok := cols[apiName]; ok {
			delete(cols, apiName)
			cols[std] = col
		}
	}

	// Duplicate timestamps keep the last report.
	rowAt := make(map[time.Time]int, len(times))
	for i, t := range times {
		rowAt[t] = i
	}

	// Reindex to a full hourly range at the modal minute; gaps become NaN
	// and short gaps are interpolated.
	first := start.UTC().Truncate(time.Hour).Add(time.Duration(mode) * time.Minute)
	last := end.UTC().Truncate(time.Hour).Add(time.Duration(mode) * time.Minute)
	var index []time.Time
	for t := first; !t.After(last); t = t.Add(time.Hour) {
		index = append(index, t)
	}

	out := &Series{Times: index, Values: make(map[string][]float64, len(cols))}
	for name, col := range cols {
		aligned := make([]float64, len(index))
		for i, t := range index {
			if row, ok := rowAt[t]; ok {
				aligned[i] = col[row]
			} else {
				aligned[i] = math.NaN()
			}
		}
		interpolate(aligned, interpolateLimit)
		out.Values[name] = aligned
	}
	return out, nil
}

// modalMinute returns the most common minute stamp; ties go to the later
// minute.
func modalMinute(times []time.Time) int {
	var counts [60]int
	for _, t := range times {
		counts[t.Minute()]++
	}
	mode, best := 0, -1
	for m, n := range counts {
		if n >= best && n > 0 {
			mode, best = m, n
		}
	}
	return mode
}

// totalCloud combines up to three cloud layer codes into a total coverage
// percentage. Missing layer codes count as clear.
func totalCloud(codes ...float64) float64 {
	clear := 1.0
	for _, code := range codes {
		if math.IsNaN(code) {
			code = 1
		}
		frac, ok := cloudFractions[int(math.Mod(code, 10))]
		if !ok {
			frac = 0
		}
		clear *= 1 - frac
	}
	cloud := 100 - 100*clear
	if cloud > 100 {
		cloud = 100
	}
	return cloud
}

// interpolate fills interior NaN gaps of at most limit consecutive values by
// linear interpolation between the surrounding observations. Leading and
// trailing gaps are left missing.
func interpolate(values []float64, limit int) {
	prev := -1
	for i := 0; i < len(values); i++ {
		if math.IsNaN(values[i]) {
			continue
		}
		if prev >= 0 && i-prev > 1 && i-prev-1 <= limit {
			span := float64(i - prev)
			for j := prev + 1; j < i; j++ {
				frac := float64(j-prev) / span
				values[j] = values[prev] + frac*(values[i]-values[prev])
			}
		}
		prev = i
	}
}

func layerAt(col []float64, i int) float64 {
	if col == nil || i >= len(col) {
		return math.NaN()
	}
	return col[i]
}

func pickTimes(times []time.Time, keep []int) []time.Time {
	out := make([]time.Time, len(keep))
	for i, k := range keep {
		out[i] = times[k]
	}
	return out
}

func pickValues(col []float64, keep []int) []float64 {
	out := make([]float64, len(keep))
	for i, k := range keep {
		out[i] = col[k]
	}
	return out
}

// StationMeta is one station's metadata record.
type StationMeta struct {
	STID      string
	Name      string
	Latitude  float64
	Longitude float64
	Elevation float64
}

// Metadata is station metadata keyed by station ID.
type Metadata map[string]StationMeta

// Lat returns latitudes for the given stations, or for all known stations
// sorted by ID when stations is nil.
func (m Metadata) Lat(stations []string) ([]float64, error) {
	return m.coords(stations, func(s StationMeta) float64 { return s.Latitude })
}

// Lon returns longitudes for the given stations, or for all known stations
// sorted by ID when stations is nil.
func (m Metadata) Lon(stations []string) ([]float64, error) {
	return m.coords(stations, func(s StationMeta) float64 { return s.Longitude })
}

func (m Metadata) coords(stations []string, get func(StationMeta) float64) ([]float64, error) {
	if stations == nil {
		stations = make([]string, 0, len(m))
		for stid := range m {
			stations = append(stations, stid)
		}
		sort.Strings(stations)
	}
	out := make([]float64, len(stations))
	for i, stid := range stations {
		meta, ok := m[stid]
		if !ok {
			return nil, fmt.Errorf("mesowest: no metadata for station %s", stid)
		}
		out[i] = get(meta)
	}
	return out, nil
}

// Metadata fetches station metadata for the given station IDs.
func (c *Client) Metadata(ctx context.Context, stations []string) (Metadata, error) {
	v := url.Values{}
	v.Set("token", c.Token)
	v.Set("stid", strings.Join(stations, ","))

	resp, err := c.get(ctx, "/stations/metadata", v)
	if err != nil {
		return nil, err
	}

	out := make(Metadata, len(resp.Stations))
	for _, st := range resp.Stations {
		lat, err := strconv.ParseFloat(st.Latitude, 64)
		if err != nil {
			return nil, fmt.Errorf("mesowest: station %s: parse latitude %q: %w", st.STID, st.Latitude, err)
		}
		lon, err := strconv.ParseFloat(st.Longitude, 64)
		if err != nil {
			return nil, fmt.Errorf("mesowest: station %s: parse longitude %q: %w", st.STID, st.Longitude, err)
		}
		elev := math.NaN()
		if st.Elevation != "" {
			if elev, err = strconv.ParseFloat(st.Elevation, 64); err != nil {
				return nil, fmt.Errorf("mesowest: station %s: parse elevation %q: %w", st.STID, st.Elevation, err)
			}
		}
		out[st.STID] = StationMeta{
			STID:      st.STID,
			Name:      st.Name,
			Latitude:  lat,
			Longitude: lon,
			Elevation: elev,
		}
	}
	return out, nil
}

// Load returns the timeseries for req, reading it from cacheFile when that
// exists and otherwise fetching and writing the cache. An empty cacheFile
// always fetches.
func (c *Client) Load(ctx context.Context, req TimeseriesRequest, cacheFile string) (Timeseries, error) {
	if cacheFile != "" {
		if f, err := os.Open(cacheFile); err == nil {
			defer f.Close()
			var ts Timeseries
			if err := gob.NewDecoder(f).Decode(&ts); err != nil {
				return nil, fmt.Errorf("mesowest: decode cache %s: %w", cacheFile, err)
			}
			c.logger.Debugf("loaded %d stations from cache %s", len(ts), cacheFile)
			return ts, nil
		}
	}

	ts, err := c.Timeseries(ctx, req)
	if err != nil {
		return nil, err
	}

	if cacheFile != "" {
		f, err := os.Create(cacheFile)
		if err != nil {
			return nil, fmt.Errorf("mesowest: write cache %s: %w", cacheFile, err)
		}
		defer f.Close()
		if err := gob.NewEncoder(f).Encode(ts); err != nil {
			return nil, fmt.Errorf("mesowest: encode cache %s: %w", cacheFile, err)
		}
	}
	return ts, nil
}
