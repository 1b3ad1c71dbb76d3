package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/netutil"
	"github.com/Resinat/Subgate/internal/notify"
	"github.com/Resinat/Subgate/internal/state"
	"github.com/Resinat/Subgate/internal/subscription"
)

// User agents of the two refresh requests. Providers tend to attach
// subscription-userinfo only for Clash-family clients.
const (
	TrafficUserAgent = "Clash for Windows/0.20.39"
	ContentUserAgent = "Subgate-Refresh/1.0"
)

const (
	DefaultRefreshSchedule = "0 */6 * * *"
	DefaultRefreshTimeout  = 8 * time.Second

	refreshConcurrency = 8
	notifyInterval     = 24 * time.Hour
)

// RefreshConfig configures a RefreshJob.
type RefreshConfig struct {
	Repo       *state.Repo
	Downloader netutil.Downloader
	Notifier   Deliverer // optional
	Schedule   string
	Timeout    time.Duration // per request
	Zone       *time.Location
	Now        func() time.Time
}

// RefreshReport summarizes one refresh run.
type RefreshReport struct {
	Checked  int       `json:"checked"`
	Updated  int       `json:"updated"`
	Failed   int       `json:"failed"`
	Notified int       `json:"notified"`
	RanAt    time.Time `json:"ran_at"`
}

// RefreshJob periodically re-reads the traffic header and node count of
// every enabled remote source.
type RefreshJob struct {
	repo       *state.Repo
	downloader netutil.Downloader
	notifier   Deliverer
	timeout    time.Duration
	zone       *time.Location
	now        func() time.Time

	cron        *cron.Cron
	cronEntryID cron.EntryID
	runMu       sync.Mutex // serializes runs
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
}

// NewRefreshJob creates a RefreshJob. The schedule is a standard 5-field
// cron expression.
func NewRefreshJob(cfg RefreshConfig) (*RefreshJob, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultRefreshSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRefreshTimeout
	}
	if cfg.Zone == nil {
		cfg.Zone = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	j := &RefreshJob{
		repo:       cfg.Repo,
		downloader: cfg.Downloader,
		notifier:   cfg.Notifier,
		timeout:    cfg.Timeout,
		zone:       cfg.Zone,
		now:        cfg.Now,
		cron:       cron.New(),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
	entryID, err := j.cron.AddFunc(cfg.Schedule, func() {
		report, err := j.Run(j.lifeCtx)
		if err != nil {
			log.Printf("[refresh] scheduled run failed: %v", err)
			return
		}
		log.Printf("[refresh] checked %d sources: %d updated, %d failed, %d notified",
			report.Checked, report.Updated, report.Failed, report.Notified)
	})
	if err != nil {
		lifeCancel()
		return nil, fmt.Errorf("refresh: invalid schedule %q: %w", cfg.Schedule, err)
	}
	j.cronEntryID = entryID
	return j, nil
}

// Start starts the cron scheduler.
func (j *RefreshJob) Start() {
	j.cron.Start()
}

// Stop cancels an in-flight run and waits for the scheduler to finish.
func (j *RefreshJob) Stop() {
	j.lifeCancel()
	<-j.cron.Stop().Done()
}

// NextRun returns the next scheduled run, or zero before Start.
func (j *RefreshJob) NextRun() time.Time {
	return j.cron.Entry(j.cronEntryID).Next
}

type probeResult struct {
	traffic   *model.TrafficInfo
	nodeCount int
	countOK   bool
}

func (p probeResult) ok() bool { return p.traffic != nil || p.countOK }

// Run refreshes every enabled remote source once.
func (j *RefreshJob) Run(ctx context.Context) (RefreshReport, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	report := RefreshReport{RanAt: j.now()}
	sources, err := j.repo.Sources(ctx)
	if err != nil {
		return report, fmt.Errorf("refresh: load sources: %w", err)
	}
	settings, err := j.repo.Settings(ctx)
	if err != nil {
		return report, fmt.Errorf("refresh: load settings: %w", err)
	}

	results := make(map[string]probeResult)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, src := range sources {
		if !src.Enabled || !src.IsRemote() {
			continue
		}
		report.Checked++
		g.Go(func() error {
			res := j.probe(gctx, src)
			mu.Lock()
			results[src.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("refresh: %w", err)
	}

	// Notifications are decided against the fresh numbers, delivered outside
	// the sources update, and stamped only when a sink accepted them.
	now := j.now()
	stamps := make(map[string]*model.Source)
	for _, src := range sources {
		res, ok := results[src.ID]
		if !ok {
			continue
		}
		if !res.ok() {
			report.Failed++
			continue
		}
		if res.traffic == nil {
			continue
		}
		updated := src
		updated.Traffic = res.traffic
		if msg, due := expiryMessage(updated, settings, now, j.zone); due && j.deliver(ctx, msg) {
			updated.LastNotifiedExpire = now
			report.Notified++
		}
		if msg, due := trafficMessage(updated, settings, now); due && j.deliver(ctx, msg) {
			updated.LastNotifiedTraffic = now
			report.Notified++
		}
		stamps[src.ID] = &updated
	}

	err = j.repo.UpdateSources(context.WithoutCancel(ctx), func(current []model.Source) ([]model.Source, error) {
		for i := range current {
			res, ok := results[current[i].ID]
			if !ok || !res.ok() || current[i].URL != urlOf(sources, current[i].ID) {
				continue
			}
			if res.traffic != nil {
				current[i].Traffic = res.traffic
			}
			if res.countOK {
				current[i].NodeCount = res.nodeCount
			}
			if s := stamps[current[i].ID]; s != nil {
				current[i].LastNotifiedExpire = maxTime(current[i].LastNotifiedExpire, s.LastNotifiedExpire)
				current[i].LastNotifiedTraffic = maxTime(current[i].LastNotifiedTraffic, s.LastNotifiedTraffic)
			}
			report.Updated++
		}
		return current, nil
	})
	if err != nil {
		return report, fmt.Errorf("refresh: save sources: %w", err)
	}
	return report, nil
}

// probe issues the traffic and content requests for src concurrently, each
// with its own timeout. Either may fail independently.
func (j *RefreshJob) probe(ctx context.Context, src model.Source) probeResult {
	var (
		res probeResult
		wg  sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp, err := j.download(ctx, src.URL, TrafficUserAgent)
		if err != nil {
			log.Printf("[refresh] %s traffic request failed: %v", sourceLabel(src), err)
			return
		}
		if info, ok := subscription.ParseUserInfo(resp.Header.Get(subscription.UserInfoHeader)); ok {
			res.traffic = &info
		}
	}()
	go func() {
		defer wg.Done()
		resp, err := j.download(ctx, src.URL, ContentUserAgent)
		if err != nil {
			log.Printf("[refresh] %s content request failed: %v", sourceLabel(src), err)
			return
		}
		if n := len(subscription.NodeLines(subscription.DecodeContent(resp.Body))); n > 0 {
			res.nodeCount = n
			res.countOK = true
		}
	}()
	wg.Wait()
	return res
}

func (j *RefreshJob) download(ctx context.Context, url, ua string) (*netutil.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	return j.downloader.Download(ctx, url, ua)
}

func (j *RefreshJob) deliver(ctx context.Context, msg notify.Message) bool {
	if j.notifier == nil {
		return false
	}
	return j.notifier.Deliver(ctx, msg)
}

// expiryMessage returns the expiry reminder for src when its expiry is
// within the configured number of days and none was sent in the last day.
func expiryMessage(src model.Source, settings model.Settings, now time.Time, zone *time.Location) (notify.Message, bool) {
	if src.Traffic == nil || src.Traffic.Expire <= 0 {
		return notify.Message{}, false
	}
	threshold := settings.NotifyThresholdDays
	if threshold <= 0 {
		threshold = model.DefaultSettings().NotifyThresholdDays
	}
	expiry := time.Unix(src.Traffic.Expire, 0)
	days := int(math.Ceil(expiry.Sub(now).Hours() / 24))
	if days > threshold || !notifyDue(src.LastNotifiedExpire, now) {
		return notify.Message{}, false
	}
	status := "expired"
	if now.Before(expiry) {
		status = "expires in " + strconv.Itoa(days) + " days"
	}
	return notify.Message{Event: notify.EventSourceExpiring, Title: "Source expiring", Time: now}.
		With("Source", sourceLabel(src)).
		With("Status", status).
		With("Expires", expiry.In(zone).Format("2006-01-02")), true
}

// trafficMessage returns the usage warning for src when its used share
// reached the configured percentage and none was sent in the last day.
func trafficMessage(src model.Source, settings model.Settings, now time.Time) (notify.Message, bool) {
	if src.Traffic == nil || src.Traffic.Total <= 0 {
		return notify.Message{}, false
	}
	threshold := settings.NotifyThresholdPercent
	if threshold <= 0 {
		threshold = model.DefaultSettings().NotifyThresholdPercent
	}
	used := src.Traffic.Used()
	percent := int(math.Round(float64(used) * 100 / float64(src.Traffic.Total)))
	if percent < threshold || !notifyDue(src.LastNotifiedTraffic, now) {
		return notify.Message{}, false
	}
	return notify.Message{Event: notify.EventSourceTraffic, Title: "Traffic warning", Time: now}.
		With("Source", sourceLabel(src)).
		With("Used", strconv.Itoa(percent)+"%").
		With("Detail", humanize.IBytes(uint64(max(used, 0)))+" / "+humanize.IBytes(uint64(src.Traffic.Total))), true
}

func notifyDue(last, now time.Time) bool {
	return last.IsZero() || now.Sub(last) > notifyInterval
}

func sourceLabel(src model.Source) string {
	if src.Name != "" {
		return src.Name
	}
	if site := netutil.SiteName(src.URL); site != "" {
		return site
	}
	return "Unnamed"
}

func urlOf(sources []model.Source, id string) string {
	for _, s := range sources {
		if s.ID == id {
			return s.URL
		}
	}
	return ""
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
