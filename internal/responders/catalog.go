package responders

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"kiosk/internal/agent"
	"kiosk/internal/config"
	"kiosk/pkg/logger"
)

const reloadDebounce = 100 * time.Millisecond

// DefaultItems is the built-in menu.
func DefaultItems() []agent.MenuItem {
	return []agent.MenuItem{
		{ItemID: 101, Name: "Volcano Burger", Description: "Spicy beef patty with jalapeños and habanero sauce", Price: 12.99, Category: "burgers", Tags: []string{"spicy", "popular", "beef"}, Calories: 850, Allergens: []string{"gluten", "dairy"}, Available: true},
		{ItemID: 102, Name: "Classic Cheeseburger", Description: "Beef patty with cheddar, lettuce and tomato", Price: 9.99, Category: "burgers", Tags: []string{"popular", "beef"}, Calories: 650, Allergens: []string{"gluten", "dairy"}, Available: true},
		{ItemID: 103, Name: "Veggie Delight", Description: "Plant based burger with avocado and greens", Price: 10.99, Category: "burgers", Tags: []string{"vegetarian", "healthy"}, Calories: 450, Allergens: []string{"gluten", "soy"}, Available: true},
		{ItemID: 201, Name: "Crispy Fries", Description: "Golden fries with sea salt", Price: 3.99, Category: "sides", Tags: []string{"side", "popular", "vegetarian", "vegan"}, Calories: 320, Available: true},
		{ItemID: 301, Name: "Iced Cola", Description: "Ice cold cola", Price: 2.49, Category: "drinks", Tags: []string{"drink", "cold", "vegan", "gluten_free"}, Calories: 140, Available: true},
	}
}

type catalogFile struct {
	Items []agent.MenuItem `yaml:"items"`
}

// Catalog is an in-memory menu, optionally loaded from a YAML file and
// reloaded when the file changes.
type Catalog struct {
	mu    sync.RWMutex
	items map[int]agent.MenuItem
	order []int

	path    string
	watcher *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
	log     zerolog.Logger
}

// NewCatalog builds a catalog from items.
func NewCatalog(items []agent.MenuItem) *Catalog {
	c := &Catalog{log: logger.Component("catalog")}
	c.replace(items)
	return c
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	items, err := readCatalog(path)
	if err != nil {
		return nil, err
	}
	c := NewCatalog(items)
	c.path = path
	return c, nil
}

func readCatalog(path string) ([]agent.MenuItem, error) {
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	seen := make(map[int]bool, len(f.Items))
	for _, it := range f.Items {
		if it.ItemID <= 0 || it.Name == "" {
			return nil, fmt.Errorf("catalog %s: item needs item_id and name", path)
		}
		if seen[it.ItemID] {
			return nil, fmt.Errorf("catalog %s: duplicate item_id %d", path, it.ItemID)
		}
		seen[it.ItemID] = true
	}
	return f.Items, nil
}

func (c *Catalog) replace(items []agent.MenuItem) {
	m := make(map[int]agent.MenuItem, len(items))
	order := make([]int, 0, len(items))
	for _, it := range items {
		m[it.ItemID] = it
		order = append(order, it.ItemID)
	}
	c.mu.Lock()
	c.items = m
	c.order = order
	c.mu.Unlock()
}

// Len returns the number of items.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Search matches the query against names and descriptions, then applies
// tag and dietary filters. Results keep catalog order.
func (c *Catalog) Search(_ context.Context, req agent.SearchRequest) (agent.SearchResult, error) {
	q := strings.ToLower(strings.TrimSpace(req.Query))
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := agent.SearchResult{Items: []agent.MenuItem{}}
	for _, id := range c.order {
		it := c.items[id]
		if q != "" && !matchText(it, q) {
			continue
		}
		if len(req.Tags) > 0 && !hasAny(it.Tags, req.Tags) {
			continue
		}
		if !hasAll(it.Tags, req.DietaryFilters) {
			continue
		}
		out.Items = append(out.Items, it)
	}
	out.Total = len(out.Items)
	if req.Limit > 0 && len(out.Items) > req.Limit {
		out.Items = out.Items[:req.Limit]
	}
	return out, nil
}

func matchText(it agent.MenuItem, q string) bool {
	name := strings.ToLower(it.Name)
	desc := strings.ToLower(it.Description)
	if strings.Contains(name, q) || strings.Contains(desc, q) {
		return true
	}
	// "burgers" should still find "Volcano Burger"
	if s := strings.TrimSuffix(q, "s"); s != q && s != "" {
		return strings.Contains(name, s) || strings.Contains(desc, s)
	}
	return false
}

func hasAny(tags, want []string) bool {
	for _, w := range want {
		for _, t := range tags {
			if strings.EqualFold(t, w) {
				return true
			}
		}
	}
	return false
}

func hasAll(tags, want []string) bool {
	for _, w := range want {
		if !hasAny(tags, []string{w}) {
			return false
		}
	}
	return true
}

// Details returns one item or NOT_FOUND.
func (c *Catalog) Details(_ context.Context, req agent.DetailsRequest) (agent.MenuItem, error) {
	it, ok := c.Item(req.ItemID)
	if !ok {
		return agent.MenuItem{}, agent.NewAgentError(agent.CodeNotFound, config.ServiceMenu, fmt.Sprintf("item %d not found", req.ItemID))
	}
	return it, nil
}

// Availability reports availability per id. Unknown ids are unavailable.
func (c *Catalog) Availability(_ context.Context, req agent.AvailabilityRequest) (agent.AvailabilityResult, error) {
	out := agent.AvailabilityResult{Available: make(map[int]bool, len(req.ItemIDs))}
	for _, id := range req.ItemIDs {
		it, ok := c.Item(id)
		out.Available[id] = ok && it.Available
	}
	return out, nil
}

// Item looks up an item by id.
func (c *Catalog) Item(id int) (agent.MenuItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	return it, ok
}

// SetAvailable flips the availability of an item.
func (c *Catalog) SetAvailable(id int, available bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return false
	}
	it.Available = available
	c.items[id] = it
	return true
}

// IDs returns the item ids in ascending order.
func (c *Catalog) IDs() []int {
	c.mu.RLock()
	ids := append([]int(nil), c.order...)
	c.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Watch reloads the catalog whenever its file is written. It is a no-op for
// catalogs that were not loaded from a file.
func (c *Catalog) Watch() error {
	if c.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	expanded, err := config.ExpandPath(c.path)
	if err != nil {
		_ = w.Close()
		return err
	}
	// 监听所在目录，编辑器保存时常以重命名替换文件
	if err := w.Add(filepath.Dir(expanded)); err != nil {
		_ = w.Close()
		return err
	}
	c.watcher = w
	c.stopCh = make(chan struct{})
	go c.watch(filepath.Clean(expanded))
	return nil
}

func (c *Catalog) watch(target string) {
	for {
		select {
		case <-c.stopCh:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.scheduleReload()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Error().Err(err).Msg("catalog watcher error")
		}
	}
}

func (c *Catalog) scheduleReload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(reloadDebounce, c.reload)
}

func (c *Catalog) reload() {
	items, err := readCatalog(c.path)
	if err != nil {
		// 保留旧菜单
		c.log.Warn().Err(err).Str("path", c.path).Msg("catalog reload failed")
		return
	}
	c.replace(items)
	c.log.Info().Str("path", c.path).Int("items", len(items)).Msg("catalog reloaded")
}

// Close stops watching.
func (c *Catalog) Close() error {
	if c.watcher == nil {
		return nil
	}
	close(c.stopCh)
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	err := c.watcher.Close()
	c.watcher = nil
	return err
}
