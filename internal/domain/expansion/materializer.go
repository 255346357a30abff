package expansion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocl/ocl/internal/domain/reference"
	"github.com/ocl/ocl/internal/domain/terminology"
	"github.com/ocl/ocl/internal/platform/checksum"
	"github.com/ocl/ocl/internal/platform/indexer"
	"github.com/ocl/ocl/internal/platform/metrics"
	"github.com/ocl/ocl/internal/platform/uri"
)

// Materialization modes, also used as metric labels.
const (
	ModeSeed   = "seed"
	ModeAdd    = "add"
	ModeDelete = "delete"
)

// maxPasses bounds how often one run chases a reference set that keeps
// changing underneath it.
const maxPasses = 10

// errAborted stops a run whose expansion was deleted mid-flight.
var errAborted = errors.New("expansion deleted during materialization")

// Config holds materializer settings.
type Config struct {
	// WaitInterval is the poll interval of WaitUntilProcessed.
	WaitInterval time.Duration
	// WaitAttempts bounds the number of polls.
	WaitAttempts int
}

// Materializer keeps expansion member sets in line with the references of
// their repository version. At most one run per expansion is active: a run
// claims the expansion's processing flag, and triggers that find the flag
// set are dropped because the active run re-reads the reference set before
// it finishes.
type Materializer struct {
	expansions Repository
	references reference.Repository
	store      terminology.Store
	resolver   *reference.Resolver
	publisher  indexer.Publisher
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	cfg        Config
}

// NewMaterializer creates a materializer. Index signals are dropped until
// SetPublisher is called.
func NewMaterializer(expansions Repository, references reference.Repository, store terminology.Store,
	resolver *reference.Resolver, logger zerolog.Logger, cfg Config) *Materializer {
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = time.Second
	}
	if cfg.WaitAttempts <= 0 {
		cfg.WaitAttempts = 30
	}
	return &Materializer{
		expansions: expansions,
		references: references,
		store:      store,
		resolver:   resolver,
		publisher:  indexer.NopPublisher{},
		logger:     logger.With().Str("component", "materializer").Logger(),
		cfg:        cfg,
	}
}

func (m *Materializer) SetPublisher(p indexer.Publisher) { m.publisher = p }
func (m *Materializer) SetMetrics(mt *metrics.Metrics)   { m.metrics = mt }

// Seed resolves every reference of the expansion's repository version and
// makes the member set match the result.
func (m *Materializer) Seed(ctx context.Context, expansionID uuid.UUID) error {
	return m.run(ctx, expansionID, ModeSeed, nil)
}

// AddReferences adds what refs resolve to. refs must already be stored.
func (m *Materializer) AddReferences(ctx context.Context, expansionID uuid.UUID, refs []*reference.Reference) error {
	return m.run(ctx, expansionID, ModeAdd, refs)
}

// DeleteReferences removes the members only refs justified. refs must
// already be deleted from the repository.
func (m *Materializer) DeleteReferences(ctx context.Context, expansionID uuid.UUID, refs []*reference.Reference) error {
	return m.run(ctx, expansionID, ModeDelete, refs)
}

// WaitUntilProcessed polls until the expansion is not processing and
// returns it, or fails with ErrWaitTimeout once the attempts are spent.
func (m *Materializer) WaitUntilProcessed(ctx context.Context, expansionID uuid.UUID) (*Expansion, error) {
	for attempt := 1; ; attempt++ {
		exp, err := m.expansions.Get(ctx, expansionID)
		if err != nil {
			return nil, err
		}
		if !exp.IsProcessing {
			return exp, nil
		}
		if attempt >= m.cfg.WaitAttempts {
			return nil, fmt.Errorf("expansion %s after %d attempts: %w", expansionID, attempt, ErrWaitTimeout)
		}
		t := time.NewTimer(m.cfg.WaitInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Materializer) run(ctx context.Context, expansionID uuid.UUID, mode string, refs []*reference.Reference) error {
	log := m.logger.With().Str("expansion_id", expansionID.String()).Logger()

	for attempt := 0; attempt < maxPasses; attempt++ {
		claimed, err := m.expansions.TryMarkProcessing(ctx, expansionID)
		if err != nil {
			return err
		}
		if !claimed {
			log.Debug().Str("mode", mode).Msg("expansion already processing, trigger coalesced")
			m.metrics.RecordCoalesced()
			return nil
		}

		m.metrics.ProcessingStarted()
		versionID, seen, err := m.drive(ctx, expansionID, mode, refs, log)
		m.metrics.ProcessingFinished()
		if cerr := m.expansions.ClearProcessing(context.WithoutCancel(ctx), expansionID); cerr != nil && !errors.Is(cerr, ErrExpansionNotFound) {
			log.Error().Err(cerr).Msg("failed to clear processing flag")
		}
		if errors.Is(err, errAborted) {
			log.Info().Str("mode", mode).Msg("expansion deleted, materialization aborted")
			return nil
		}
		if err != nil {
			return err
		}

		// Triggers coalesced between the last check in drive and the flag
		// being cleared are caught here.
		current, err := m.references.ListByVersion(ctx, versionID)
		if err != nil {
			return fmt.Errorf("list references: %w", err)
		}
		if signature(current) == seen {
			return nil
		}
		mode, refs = ModeSeed, nil
	}
	log.Warn().Msg("reference set kept changing, giving up until the next trigger")
	return nil
}

// drive runs passes until the reference set is the same before and after a
// pass. It returns the repository version and the last reference set seen.
func (m *Materializer) drive(ctx context.Context, expansionID uuid.UUID, mode string, refs []*reference.Reference, log zerolog.Logger) (uuid.UUID, string, error) {
	exp, err := m.expansions.Get(ctx, expansionID)
	if errors.Is(err, ErrExpansionNotFound) {
		return uuid.Nil, "", errAborted
	}
	if err != nil {
		return uuid.Nil, "", err
	}

	var seen string
	for pass := 0; pass < maxPasses; pass++ {
		all, err := m.references.ListByVersion(ctx, exp.RepositoryVersionID)
		if err != nil {
			return exp.RepositoryVersionID, "", fmt.Errorf("list references: %w", err)
		}
		seen = signature(all)

		start := time.Now()
		d, err := m.delta(ctx, exp, mode, all, refs)
		if err == nil {
			err = m.commit(ctx, exp, d)
		}
		m.record(mode, start, d, err)
		if err != nil {
			return exp.RepositoryVersionID, "", err
		}
		log.Debug().
			Str("mode", mode).
			Int("added", memberCount(d.Add)).
			Int("removed", memberCount(d.Remove)).
			Dur("duration", time.Since(start)).
			Msg("materialization pass complete")

		after, err := m.references.ListByVersion(ctx, exp.RepositoryVersionID)
		if err != nil {
			return exp.RepositoryVersionID, "", fmt.Errorf("list references: %w", err)
		}
		if signature(after) == seen {
			break
		}
		mode, refs = ModeSeed, nil
	}
	return exp.RepositoryVersionID, seen, nil
}

func (m *Materializer) record(mode string, start time.Time, d Delta, err error) {
	status := "ok"
	switch {
	case errors.Is(err, errAborted):
		status = "aborted"
	case err != nil:
		status = "error"
	}
	m.metrics.RecordRecompute(mode, status, time.Since(start), memberCount(d.Add), memberCount(d.Remove))
}

func (m *Materializer) delta(ctx context.Context, exp *Expansion, mode string, all, refs []*reference.Reference) (Delta, error) {
	switch mode {
	case ModeAdd:
		if hasExclusion(refs) {
			return m.fullDelta(ctx, exp, all)
		}
		return m.addDelta(ctx, exp, all, refs)
	case ModeDelete:
		if hasExclusion(refs) {
			return m.fullDelta(ctx, exp, all)
		}
		return m.deleteDelta(ctx, exp, all, refs)
	default:
		return m.fullDelta(ctx, exp, all)
	}
}

// resolve resolves refs under the expansion's parameters.
func (m *Materializer) resolve(ctx context.Context, exp *Expansion, filter *postFilter, refs []*reference.Reference) (*terminology.MemberSet, error) {
	res, err := m.resolver.ResolveAll(ctx, refs, exp.Parameters.ResolveOptions())
	if err != nil {
		return nil, err
	}
	return filter.apply(res).Members(), nil
}

func (m *Materializer) fullDelta(ctx context.Context, exp *Expansion, all []*reference.Reference) (Delta, error) {
	filter, err := exp.Parameters.compile(ctx, m.store)
	if err != nil {
		return Delta{}, err
	}
	target, err := m.resolve(ctx, exp, filter, all)
	if err != nil {
		return Delta{}, err
	}
	current, err := m.store.MembersOf(ctx, exp.ID)
	if err != nil {
		return Delta{}, fmt.Errorf("members of expansion: %w", err)
	}
	return Delta{Add: difference(target, current), Remove: difference(current, target)}, nil
}

// addDelta resolves the added references against the existing exclusions.
// Added references no longer stored are skipped.
func (m *Materializer) addDelta(ctx context.Context, exp *Expansion, all, added []*reference.Reference) (Delta, error) {
	stored := make(map[uuid.UUID]bool, len(all))
	var exclusions []*reference.Reference
	for _, ref := range all {
		stored[ref.ID] = true
		if !ref.Include {
			exclusions = append(exclusions, ref)
		}
	}
	var batch []*reference.Reference
	for _, ref := range added {
		if stored[ref.ID] {
			batch = append(batch, ref)
		}
	}
	if len(batch) == 0 {
		return Delta{}, nil
	}

	filter, err := exp.Parameters.compile(ctx, m.store)
	if err != nil {
		return Delta{}, err
	}
	target, err := m.resolve(ctx, exp, filter, append(batch, exclusions...))
	if err != nil {
		return Delta{}, err
	}
	current, err := m.store.MembersOf(ctx, exp.ID)
	if err != nil {
		return Delta{}, fmt.Errorf("members of expansion: %w", err)
	}
	return Delta{Add: difference(target, current)}, nil
}

// deleteDelta removes what the deleted references reached unless a
// surviving reference still reaches it.
func (m *Materializer) deleteDelta(ctx context.Context, exp *Expansion, all, deleted []*reference.Reference) (Delta, error) {
	if len(deleted) == 0 {
		return Delta{}, nil
	}
	reached, err := m.resolver.ResolveAll(ctx, deleted, exp.Parameters.ResolveOptions())
	if err != nil {
		return Delta{}, err
	}
	current, err := m.store.MembersOf(ctx, exp.ID)
	if err != nil {
		return Delta{}, fmt.Errorf("members of expansion: %w", err)
	}
	candidates := intersect(reached.Members(), current)
	if memberCount(candidates) == 0 {
		return Delta{}, nil
	}

	repos := map[string]bool{}
	for _, c := range reached.Concepts {
		if candidates.Concepts.Has(c.ID) {
			repos[c.RepositoryURI] = true
		}
	}
	for _, mp := range reached.Mappings {
		if candidates.Mappings.Has(mp.ID) {
			repos[mp.RepositoryURI] = true
		}
	}

	gone := make(map[uuid.UUID]bool, len(deleted))
	for _, ref := range deleted {
		gone[ref.ID] = true
	}
	var survivors []*reference.Reference
	for _, ref := range all {
		if !gone[ref.ID] && (!ref.Include || mayReach(ref, repos)) {
			survivors = append(survivors, ref)
		}
	}
	if len(survivors) == 0 {
		return Delta{Remove: candidates}, nil
	}

	filter, err := exp.Parameters.compile(ctx, m.store)
	if err != nil {
		return Delta{}, err
	}
	still, err := m.resolve(ctx, exp, filter, survivors)
	if err != nil {
		return Delta{}, err
	}
	return Delta{Remove: difference(candidates, still)}, nil
}

// mayReach reports whether ref can resolve to resources owned by one of
// repos. Valueset, collection and canonical URL references always may.
func mayReach(ref *reference.Reference, repos map[string]bool) bool {
	if len(ref.Valueset) > 0 {
		return true
	}
	system := ref.SystemURI()
	if system == "" {
		return false
	}
	if strings.HasPrefix(system, "http://") || strings.HasPrefix(system, "https://") {
		return true
	}
	u, err := uri.Parse(uri.NormalizeRepository(system))
	if err != nil || u.IsCollection() {
		return true
	}
	return repos[u.RepositoryPath()]
}

func hasExclusion(refs []*reference.Reference) bool {
	for _, ref := range refs {
		if !ref.Include {
			return true
		}
	}
	return false
}

func signature(refs []*reference.Reference) string {
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// commit applies d, refreshes the content checksum and emits the index
// signal. Nothing is written when d is empty and the expansion already has
// a checksum.
func (m *Materializer) commit(ctx context.Context, exp *Expansion, d Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Empty() && exp.Checksum != "" {
		return nil
	}
	if !d.Empty() {
		if err := m.expansions.ApplyDelta(ctx, exp.ID, d); err != nil {
			if errors.Is(err, ErrExpansionNotFound) {
				return errAborted
			}
			return fmt.Errorf("apply delta: %w", err)
		}
	}

	sum, err := m.contentChecksum(ctx, exp.ID)
	if err != nil {
		return err
	}
	if err := m.expansions.SetChecksum(ctx, exp.ID, sum); err != nil {
		if errors.Is(err, ErrExpansionNotFound) {
			return errAborted
		}
		return fmt.Errorf("set checksum: %w", err)
	}
	exp.Checksum = sum

	if !d.Empty() {
		m.publish(ctx, exp.ID, d)
	}
	return nil
}

// contentChecksum is the composite of the members' standard checksums.
func (m *Materializer) contentChecksum(ctx context.Context, expansionID uuid.UUID) (string, error) {
	q := terminology.ResourceQuery{ContainerID: &expansionID}
	concepts, err := m.store.FindConcepts(ctx, q)
	if err != nil {
		return "", fmt.Errorf("expansion concepts: %w", err)
	}
	mappings, err := m.store.FindMappings(ctx, q)
	if err != nil {
		return "", fmt.Errorf("expansion mappings: %w", err)
	}

	sums := make([]string, 0, len(concepts)+len(mappings))
	for _, c := range concepts {
		s, err := c.Checksum(checksum.Standard)
		if err != nil {
			return "", fmt.Errorf("checksum %s: %w", c.URI(), err)
		}
		sums = append(sums, s)
	}
	for _, mp := range mappings {
		s, err := mp.Checksum(checksum.Standard)
		if err != nil {
			return "", fmt.Errorf("checksum %s: %w", mp.URI(), err)
		}
		sums = append(sums, s)
	}
	return checksum.Composite(sums), nil
}

func (m *Materializer) publish(ctx context.Context, expansionID uuid.UUID, d Delta) {
	event := indexer.NewEvent(expansionID)
	if d.Add != nil {
		event.AddedConcepts = sortedIDs(d.Add.Concepts)
		event.AddedMappings = sortedIDs(d.Add.Mappings)
	}
	if d.Remove != nil {
		event.RemovedConcepts = sortedIDs(d.Remove.Concepts)
		event.RemovedMappings = sortedIDs(d.Remove.Mappings)
	}
	err := m.publisher.Publish(ctx, event)
	m.metrics.RecordIndexEvent(err)
	if err != nil {
		m.logger.Warn().Err(err).
			Str("expansion_id", expansionID.String()).
			Str("event_id", event.ID).
			Msg("failed to publish index refresh")
	}
}

func sortedIDs(ids terminology.IDSet) []uuid.UUID {
	out := ids.Slice()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
