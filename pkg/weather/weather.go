// Package weather fetches current conditions and forecasts from Open-Meteo.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL  = "https://api.open-meteo.com"
	DefaultCacheTTL = 15 * time.Minute
	forecastDays    = 3
)

var conditions = map[int]string{
	0:  "Clear",
	1:  "Mostly Clear",
	2:  "Partly Cloudy",
	3:  "Overcast",
	45: "Foggy",
	48: "Rime Fog",
	51: "Light Drizzle",
	53: "Drizzle",
	55: "Heavy Drizzle",
	61: "Light Rain",
	63: "Rain",
	65: "Heavy Rain",
	66: "Freezing Rain",
	67: "Heavy Freezing Rain",
	71: "Light Snow",
	73: "Snow",
	75: "Heavy Snow",
	77: "Snow Grains",
	80: "Light Showers",
	81: "Showers",
	82: "Heavy Showers",
	85: "Light Snow Showers",
	86: "Snow Showers",
	95: "Thunderstorm",
	96: "Thunderstorm w/ Hail",
	99: "Severe Thunderstorm",
}

// Condition maps a WMO weather code to a short label.
func Condition(code int) string {
	if label, ok := conditions[code]; ok {
		return label
	}
	return "Unknown"
}

// Options configure a Client.
type Options struct {
	BaseURL   string
	Latitude  float64
	Longitude float64
	Location  string
	Units     string // "imperial" or "metric"
	CacheTTL  time.Duration
	Timeout   time.Duration
}

type cached struct {
	text    string
	expires time.Time
}

// Client answers !wx and !forecast with short, radio-sized text.
type Client struct {
	opts Options
	http *http.Client
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

func New(opts Options, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Units == "" {
		opts.Units = "imperial"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	return &Client{
		opts:  opts,
		http:  &http.Client{Timeout: opts.Timeout},
		log:   log.With("component", "weather.client"),
		now:   time.Now,
		cache: make(map[string]cached),
	}
}

// Location returns the configured place name.
func (c *Client) Location() string {
	return c.opts.Location
}

type currentResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WeatherCode int     `json:"weather_code"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
}

type forecastResponse struct {
	Daily struct {
		Time          []string  `json:"time"`
		WeatherCode   []int     `json:"weather_code"`
		TempMax       []float64 `json:"temperature_2m_max"`
		TempMin       []float64 `json:"temperature_2m_min"`
		Precipitation []int     `json:"precipitation_probability_max"`
	} `json:"daily"`
}

// Current returns the current conditions.
func (c *Client) Current(ctx context.Context) (string, error) {
	return c.cachedFetch(ctx, "current", func(ctx context.Context) (string, error) {
		q := c.baseQuery()
		q.Set("current", "temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m")

		var resp currentResponse
		if err := c.get(ctx, q, &resp); err != nil {
			return "", err
		}

		cur := resp.Current
		return fmt.Sprintf("%s\n%.0f%s | %.0f%% RH | wind %.0f%s",
			Condition(cur.WeatherCode), cur.Temperature, c.tempUnit(), cur.Humidity, cur.WindSpeed, c.windUnit()), nil
	})
}

// Forecast returns a three day outlook, one line per day.
func (c *Client) Forecast(ctx context.Context) (string, error) {
	return c.cachedFetch(ctx, "forecast", func(ctx context.Context) (string, error) {
		q := c.baseQuery()
		q.Set("daily", "weather_code,temperature_2m_max,temperature_2m_min,precipitation_probability_max")
		q.Set("forecast_days", strconv.Itoa(forecastDays))

		var resp forecastResponse
		if err := c.get(ctx, q, &resp); err != nil {
			return "", err
		}
		return formatForecast(resp), nil
	})
}

func formatForecast(resp forecastResponse) string {
	d := resp.Daily
	lines := make([]string, 0, len(d.Time))
	for i, day := range d.Time {
		name := day
		if t, err := time.Parse(time.DateOnly, day); err == nil {
			name = t.Format("Mon")
		}

		code := 0
		if i < len(d.WeatherCode) {
			code = d.WeatherCode[i]
		}
		line := name + ": " + Condition(code)
		if i < len(d.TempMax) && i < len(d.TempMin) {
			line += fmt.Sprintf(", %.0f/%.0f", d.TempMax[i], d.TempMin[i])
		}
		if i < len(d.Precipitation) && d.Precipitation[i] > 20 {
			line += fmt.Sprintf(" (%d%% precip)", d.Precipitation[i])
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "No forecast available"
	}
	return strings.Join(lines, "\n")
}

func (c *Client) cachedFetch(ctx context.Context, key string, fetch func(context.Context) (string, error)) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := c.now()
	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.text, nil
	}

	text, err := fetch(ctx)
	if err != nil {
		if ok {
			c.log.Warn("Weather refresh failed, serving stale value", "kind", key, "error", err)
			return entry.text, nil
		}
		return "", err
	}

	c.mu.Lock()
	c.cache[key] = cached{text: text, expires: now.Add(c.opts.CacheTTL)}
	c.mu.Unlock()
	c.log.Debug("Weather cache updated", "kind", key, "ttl", c.opts.CacheTTL)
	return text, nil
}

func (c *Client) baseQuery() url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.opts.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(c.opts.Longitude, 'f', 4, 64))
	q.Set("timezone", "auto")
	if c.opts.Units == "imperial" {
		q.Set("temperature_unit", "fahrenheit")
		q.Set("wind_speed_unit", "mph")
	}
	return q
}

func (c *Client) get(ctx context.Context, q url.Values, out any) error {
	endpoint := c.opts.BaseURL + "/v1/forecast?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build weather request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch weather: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode weather: %w", err)
	}
	return nil
}

func (c *Client) tempUnit() string {
	if c.opts.Units == "imperial" {
		return "°F"
	}
	return "°C"
}

func (c *Client) windUnit() string {
	if c.opts.Units == "imperial" {
		return "mph"
	}
	return "km/h"
}
