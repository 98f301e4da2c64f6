package filler

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Categories
const (
	Thinking       = "thinking"
	Searching      = "searching"
	Empathy        = "empathy"
	Acknowledgment = "acknowledgment"
)

// AnyPersona marks a phrase usable with every persona
const AnyPersona = ""

// Phrase is a short utterance that masks processing latency
type Phrase struct {
	ID       string `json:"id" yaml:"id" bson:"phrase_id"`
	Text     string `json:"text" yaml:"text" bson:"text"`
	Category string `json:"category" yaml:"category" bson:"category"`
	Persona  string `json:"persona,omitempty" yaml:"persona" bson:"persona,omitempty"`
	Audio    []byte `json:"-" yaml:"-" bson:"-"`
}

// Category groups phrases and the keywords that select it
type Category struct {
	Name     string   `json:"name" yaml:"name"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Phrases  []Phrase `json:"phrases" yaml:"phrases"`
}

// Defaults returns the built-in Saudi-dialect categories
func Defaults() []Category {
	return []Category{
		{
			Name: Thinking,
			Phrases: []Phrase{
				{ID: "think_1", Text: "لحظة من فضلك"},
				{ID: "think_2", Text: "حطني على السماعة لحظة"},
				{ID: "think_3", Text: "دقيقة وحدة"},
			},
		},
		{
			Name:     Searching,
			Keywords: []string{"موعد", "دكتور", "طبيب", "حجز"},
			Phrases: []Phrase{
				{ID: "search_1", Text: "أبحث لك عن المواعيد المتاحة"},
				{ID: "search_2", Text: "خليني أشوف الجدول"},
				{ID: "search_3", Text: "أتحقق من البيانات"},
			},
		},
		{
			Name:     Empathy,
			Keywords: []string{"تعبان", "مريض", "ألم", "صعب", "مشكلة", "زعلان"},
			Phrases: []Phrase{
				{ID: "emp_1", Text: "أفهم شعورك تماماً"},
				{ID: "emp_2", Text: "الله يشفيك ويعافيك"},
				{ID: "emp_3", Text: "إن شاء الله خير"},
			},
		},
		{
			Name: Acknowledgment,
			Phrases: []Phrase{
				{ID: "ack_1", Text: "تمام"},
				{ID: "ack_2", Text: "ممتاز"},
				{ID: "ack_3", Text: "حسناً"},
			},
		},
	}
}

// contextual categories are checked in this order, first keyword match wins
var contextualOrder = []string{Empathy, Searching}

// Registry is a read-mostly pool of filler phrases keyed by category
type Registry struct {
	mu         sync.RWMutex
	categories map[string]*Category
	rnd        *rand.Rand
	rndMu      sync.Mutex

	totalUses   int64
	categoryUse map[string]int64
}

// NewRegistry builds a registry from categories
func NewRegistry(categories []Category) *Registry {
	r := &Registry{
		categories:  make(map[string]*Category, len(categories)),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		categoryUse: make(map[string]int64),
	}
	for _, c := range categories {
		r.AddCategory(c)
	}
	return r
}

// WithSeed makes phrase selection deterministic
func (r *Registry) WithSeed(seed int64) *Registry {
	r.rndMu.Lock()
	r.rnd = rand.New(rand.NewSource(seed))
	r.rndMu.Unlock()
	return r
}

// AddCategory registers or replaces a category. Phrase categories are set to
// the category name.
func (r *Registry) AddCategory(c Category) {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	if c.Name == "" {
		return
	}
	phrases := make([]Phrase, 0, len(c.Phrases))
	for _, p := range c.Phrases {
		p.Category = c.Name
		phrases = append(phrases, p)
	}
	c.Phrases = phrases

	r.mu.Lock()
	r.categories[c.Name] = &c
	r.mu.Unlock()
}

// AddPhrase appends a phrase to its category, creating the category if needed.
// A phrase with an existing id replaces it.
func (r *Registry) AddPhrase(p Phrase) {
	p.Category = strings.ToLower(strings.TrimSpace(p.Category))
	if p.Category == "" || p.Text == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.categories[p.Category]
	if !ok {
		c = &Category{Name: p.Category}
		r.categories[p.Category] = c
	}
	for i := range c.Phrases {
		if c.Phrases[i].ID == p.ID && p.ID != "" {
			c.Phrases[i] = p
			return
		}
	}
	c.Phrases = append(c.Phrases, p)
}

// Pick returns a random phrase for persona and category. Phrases bound to
// another persona are skipped; an unknown category falls back to thinking.
func (r *Registry) Pick(persona, category string) (Phrase, bool) {
	r.mu.RLock()
	c, ok := r.categories[category]
	if !ok {
		c, ok = r.categories[Thinking]
	}
	var candidates []Phrase
	if ok {
		for _, p := range c.Phrases {
			if p.Persona == AnyPersona || p.Persona == persona {
				candidates = append(candidates, p)
			}
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return Phrase{}, false
	}

	r.rndMu.Lock()
	p := candidates[r.rnd.Intn(len(candidates))]
	r.totalUses++
	r.categoryUse[p.Category]++
	r.rndMu.Unlock()
	return p, true
}

// Categorize chooses a category for recognized text: empathy keywords first,
// then booking keywords, otherwise thinking.
func (r *Registry) Categorize(text string) string {
	lower := strings.ToLower(text)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range contextualOrder {
		c, ok := r.categories[name]
		if !ok {
			continue
		}
		for _, kw := range c.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return name
			}
		}
	}
	return Thinking
}

// Categories returns category names ordered
func (r *Registry) Categories() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.categories))
	for name := range r.categories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Phrases returns a copy of a category's phrases
func (r *Registry) Phrases(category string) []Phrase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.categories[category]
	if !ok {
		return nil
	}
	out := make([]Phrase, len(c.Phrases))
	copy(out, c.Phrases)
	return out
}

// Stats reports usage counters
type Stats struct {
	TotalUses   int64            `json:"total_uses"`
	ByCategory  map[string]int64 `json:"by_category"`
	CachedAudio int              `json:"cached_audio_count"`
	Categories  int              `json:"total_categories"`
}

// Stats returns usage statistics
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	cached := 0
	for _, c := range r.categories {
		for _, p := range c.Phrases {
			if len(p.Audio) > 0 {
				cached++
			}
		}
	}
	count := len(r.categories)
	r.mu.RUnlock()

	r.rndMu.Lock()
	by := make(map[string]int64, len(r.categoryUse))
	for k, v := range r.categoryUse {
		by[k] = v
	}
	total := r.totalUses
	r.rndMu.Unlock()

	return Stats{TotalUses: total, ByCategory: by, CachedAudio: cached, Categories: count}
}

// SynthesizeFunc renders a phrase for a persona
type SynthesizeFunc func(ctx context.Context, text, persona string) ([]byte, error)

// WarmUp pre-renders audio for every phrase that has none. Phrases bound to a
// persona are rendered in that voice, the rest in defaultPersona. Failures are
// logged and leave the phrase to be synthesized on demand.
func (r *Registry) WarmUp(ctx context.Context, defaultPersona string, concurrency int, synth SynthesizeFunc, log *zap.Logger) error {
	if concurrency <= 0 {
		concurrency = 4
	}

	type job struct {
		category string
		index    int
		text     string
		persona  string
	}
	var jobs []job
	r.mu.RLock()
	for name, c := range r.categories {
		for i, p := range c.Phrases {
			if len(p.Audio) > 0 {
				continue
			}
			persona := p.Persona
			if persona == AnyPersona {
				persona = defaultPersona
			}
			jobs = append(jobs, job{category: name, index: i, text: p.Text, persona: persona})
		}
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	var rendered int64
	var renderedMu sync.Mutex
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			audio, err := synth(gctx, j.text, j.persona)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("Filler warm-up failed",
					zap.String("category", j.category),
					zap.String("text", j.text),
					zap.Error(err))
				return nil
			}
			r.setAudio(j.category, j.index, j.text, audio)
			renderedMu.Lock()
			rendered++
			renderedMu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	log.Info("Filler warm-up finished",
		zap.Int("phrases", len(jobs)),
		zap.Int64("rendered", rendered))
	return err
}

func (r *Registry) setAudio(category string, index int, text string, audio []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.categories[category]
	if !ok || index >= len(c.Phrases) || c.Phrases[index].Text != text {
		return
	}
	c.Phrases[index].Audio = audio
}
