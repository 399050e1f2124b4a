package familysync

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("invalid credentials")
	ErrQueueFull    = errors.New("queue full")
)

const DefaultListName = "New list"

type User struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	GoogleCalendarID string    `json:"google_calendar_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type userRecord struct {
	User
	PasswordHash       string `json:"password_hash"`
	GoogleRefreshToken string `json:"google_refresh_token,omitempty"`
}

type ShoppingList struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	CreatedBy     int64     `json:"created_by,omitempty"`
	CreatedByName string    `json:"created_by_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ShoppingItem struct {
	ID            int64     `json:"id"`
	ListID        int64     `json:"list_id"`
	Name          string    `json:"name"`
	Quantity      string    `json:"quantity"`
	Checked       bool      `json:"checked"`
	AddedBy       int64     `json:"added_by,omitempty"`
	AddedByName   string    `json:"added_by_name,omitempty"`
	CheckedBy     int64     `json:"checked_by,omitempty"`
	CheckedByName string    `json:"checked_by_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ItemPatch is a partial update; nil fields are left untouched.
type ItemPatch struct {
	Name     *string `json:"name,omitempty"`
	Quantity *string `json:"quantity,omitempty"`
	Checked  *bool   `json:"checked,omitempty"`
}

type Category struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Icon  string `json:"icon,omitempty"`
	Color string `json:"color,omitempty"`
}

type CalendarEvent struct {
	ID            int64     `json:"id"`
	GoogleEventID string    `json:"google_event_id"`
	UserID        int64     `json:"user_id"`
	Summary       string    `json:"summary"`
	Description   string    `json:"description"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Location      string    `json:"location"`
	CalendarID    string    `json:"calendar_id"`
	SyncedAt      time.Time `json:"synced_at"`
}

type PushSubscription struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Endpoint   string    `json:"endpoint"`
	AuthKey    string    `json:"auth_key"`
	P256dhKey  string    `json:"p256dh_key"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	StateBackend StateBackend
	StateFile    string
	Logger       Logger
	BcryptCost   int
	Now          func() time.Time
}

type Store struct {
	mu            sync.RWMutex
	userSeq       int64
	listSeq       int64
	itemSeq       int64
	eventSeq      int64
	subSeq        int64
	users         map[int64]*userRecord
	lists         map[int64]ShoppingList
	items         map[int64]ShoppingItem
	categories    []Category
	events        map[int64]CalendarEvent
	subscriptions map[int64]PushSubscription
	stateBackend  StateBackend
	logger        Logger
	bcryptCost    int
	now           func() time.Time
	closeOnce     sync.Once
}

type persistedState struct {
	UserSeq       int64                      `json:"userSeq"`
	ListSeq       int64                      `json:"listSeq"`
	ItemSeq       int64                      `json:"itemSeq"`
	EventSeq      int64                      `json:"eventSeq"`
	SubSeq        int64                      `json:"subSeq"`
	Users         map[int64]*userRecord      `json:"users"`
	Lists         map[int64]ShoppingList     `json:"lists"`
	Items         map[int64]ShoppingItem     `json:"items"`
	Categories    []Category                 `json:"categories"`
	Events        map[int64]CalendarEvent    `json:"events"`
	Subscriptions map[int64]PushSubscription `json:"subscriptions"`
}

func defaultCategories() []Category {
	return []Category{
		{ID: 1, Name: "Bakery", Icon: "🥖", Color: "#d4a373"},
		{ID: 2, Name: "Cleaning", Icon: "🧽", Color: "#48cae4"},
		{ID: 3, Name: "Dairy", Icon: "🥛", Color: "#f1faee"},
		{ID: 4, Name: "Drinks", Icon: "🥤", Color: "#e63946"},
		{ID: 5, Name: "Frozen", Icon: "🧊", Color: "#a8dadc"},
		{ID: 6, Name: "Fruit & vegetables", Icon: "🥦", Color: "#2a9d8f"},
		{ID: 7, Name: "Meat & fish", Icon: "🥩", Color: "#e76f51"},
		{ID: 8, Name: "Other", Icon: "🛒", Color: "#adb5bd"},
		{ID: 9, Name: "Pantry", Icon: "🥫", Color: "#f4a261"},
	}
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	cost := opts.BcryptCost
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		users:         map[int64]*userRecord{},
		lists:         map[int64]ShoppingList{},
		items:         map[int64]ShoppingItem{},
		categories:    defaultCategories(),
		events:        map[int64]CalendarEvent{},
		subscriptions: map[int64]PushSubscription{},
		stateBackend:  stateBackend,
		logger:        opts.Logger,
		bcryptCost:    cost,
		now:           now,
	}
	if err := s.loadFromBackend(); err != nil {
		s.logf("familysync: load state failed: %v", err)
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (s *Store) CreateUser(username, email, password string) (User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" || password == "" {
		return User{}, ErrInvalidInput
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == email || strings.EqualFold(existing.Username, username) {
			return User{}, ErrConflict
		}
	}
	s.userSeq++
	rec := &userRecord{
		User: User{
			ID:        s.userSeq,
			Username:  username,
			Email:     email,
			CreatedAt: s.clock(),
		},
		PasswordHash: string(hash),
	}
	s.users[rec.ID] = rec
	s.persistLocked()
	return rec.User, nil
}

// Authenticate checks the password for email. Unknown users and wrong
// passwords both yield ErrUnauthorized.
func (s *Store) Authenticate(email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return User{}, ErrInvalidInput
	}
	s.mu.RLock()
	var found *userRecord
	for _, rec := range s.users {
		if rec.Email == email {
			found = rec
			break
		}
	}
	var hash string
	var user User
	if found != nil {
		hash = found.PasswordHash
		user = found.User
	}
	s.mu.RUnlock()
	if found == nil {
		return User{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return User{}, ErrUnauthorized
	}
	return user, nil
}

func (s *Store) GetUser(userID int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return rec.User, nil
}

// ListLists returns every list, newest first.
func (s *Store) ListLists() []ShoppingList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ShoppingList, 0, len(s.lists))
	for _, list := range s.lists {
		list.CreatedByName = s.usernameLocked(list.CreatedBy)
		out = append(out, list)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Store) CreateList(name string, createdBy int64) (ShoppingList, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultListName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listSeq++
	list := ShoppingList{
		ID:        s.listSeq,
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: s.clock(),
	}
	s.lists[list.ID] = list
	s.persistLocked()
	list.CreatedByName = s.usernameLocked(createdBy)
	return list, nil
}

// ListItems returns the items of a list with unchecked items first, newest
// first within each group.
func (s *Store) ListItems(listID int64) []ShoppingItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ShoppingItem, 0)
	for _, item := range s.items {
		if item.ListID == listID {
			out = append(out, s.decorateItemLocked(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Checked != out[j].Checked {
			return !out[i].Checked
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Store) GetItem(itemID int64) (ShoppingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return ShoppingItem{}, ErrNotFound
	}
	return s.decorateItemLocked(item), nil
}

func (s *Store) AddItem(listID int64, name, quantity string, addedBy int64) (ShoppingItem, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ShoppingItem{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lists[listID]; !ok {
		return ShoppingItem{}, ErrNotFound
	}
	now := s.clock()
	s.itemSeq++
	item := ShoppingItem{
		ID:        s.itemSeq,
		ListID:    listID,
		Name:      name,
		Quantity:  strings.TrimSpace(quantity),
		AddedBy:   addedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.items[item.ID] = item
	s.persistLocked()
	return s.decorateItemLocked(item), nil
}

// UpdateItem applies patch. Checking an item records who checked it.
func (s *Store) UpdateItem(itemID int64, patch ItemPatch, actor int64) (ShoppingItem, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return ShoppingItem{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return ShoppingItem{}, ErrNotFound
	}
	if patch.Name != nil {
		item.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Quantity != nil {
		item.Quantity = *patch.Quantity
	}
	if patch.Checked != nil {
		item.Checked = *patch.Checked
		if item.Checked {
			item.CheckedBy = actor
		}
	}
	item.UpdatedAt = s.clock()
	s.items[itemID] = item
	s.persistLocked()
	return s.decorateItemLocked(item), nil
}

func (s *Store) DeleteItem(itemID int64) (ShoppingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return ShoppingItem{}, ErrNotFound
	}
	delete(s.items, itemID)
	s.persistLocked()
	return item, nil
}

// ClearChecked removes the checked items of a list and reports how many went.
func (s *Store) ClearChecked(listID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, item := range s.items {
		if item.ListID == listID && item.Checked {
			delete(s.items, id)
			removed++
		}
	}
	if removed > 0 {
		s.persistLocked()
	}
	return removed
}

func (s *Store) ListCategories() []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Category(nil), s.categories...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListAudience returns the users who added or checked items on listID,
// without exclude.
func (s *Store) ListAudience(listID, exclude int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[int64]struct{}{}
	for _, item := range s.items {
		if item.ListID != listID {
			continue
		}
		for _, id := range []int64{item.AddedBy, item.CheckedBy} {
			if id != 0 && id != exclude {
				seen[id] = struct{}{}
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) SetCalendarToken(userID int64, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	rec.GoogleRefreshToken = strings.TrimSpace(refreshToken)
	s.persistLocked()
	return nil
}

// CalendarToken returns the stored refresh token, or "" if the user never
// authorized calendar access.
func (s *Store) CalendarToken(userID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[userID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.GoogleRefreshToken, nil
}

// UpsertEvents stores events for userID keyed by their Google event id.
func (s *Store) UpsertEvents(userID int64, events []CalendarEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	byGoogleID := make(map[string]int64)
	for id, existing := range s.events {
		if existing.UserID == userID {
			byGoogleID[existing.GoogleEventID] = id
		}
	}
	now := s.clock()
	count := 0
	for _, event := range events {
		if strings.TrimSpace(event.GoogleEventID) == "" {
			continue
		}
		event.UserID = userID
		event.SyncedAt = now
		if event.CalendarID == "" {
			event.CalendarID = "primary"
		}
		if id, ok := byGoogleID[event.GoogleEventID]; ok {
			event.ID = id
		} else {
			s.eventSeq++
			event.ID = s.eventSeq
			byGoogleID[event.GoogleEventID] = event.ID
		}
		s.events[event.ID] = event
		count++
	}
	if count > 0 {
		s.persistLocked()
	}
	return count
}

// ListEvents returns the user's events starting within [from, to], ordered
// by start time. Zero bounds are open.
func (s *Store) ListEvents(userID int64, from, to time.Time) []CalendarEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CalendarEvent, 0)
	for _, event := range s.events {
		if event.UserID != userID {
			continue
		}
		if !from.IsZero() && event.StartTime.Before(from) {
			continue
		}
		if !to.IsZero() && event.StartTime.After(to) {
			continue
		}
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe registers a push endpoint for userID. The boolean reports
// whether a new subscription was created rather than an existing one
// refreshed.
func (s *Store) Subscribe(sub PushSubscription) (PushSubscription, bool, error) {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	if sub.UserID == 0 || sub.Endpoint == "" || strings.TrimSpace(sub.AuthKey) == "" || strings.TrimSpace(sub.P256dhKey) == "" {
		return PushSubscription{}, false, ErrInvalidInput
	}
	if strings.TrimSpace(sub.DeviceName) == "" {
		sub.DeviceName = "Device"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for id, existing := range s.subscriptions {
		if existing.UserID == sub.UserID && existing.Endpoint == sub.Endpoint {
			existing.AuthKey = sub.AuthKey
			existing.P256dhKey = sub.P256dhKey
			existing.DeviceName = sub.DeviceName
			existing.LastUsedAt = now
			s.subscriptions[id] = existing
			s.persistLocked()
			return existing, false, nil
		}
	}
	s.subSeq++
	sub.ID = s.subSeq
	sub.CreatedAt = now
	sub.LastUsedAt = now
	s.subscriptions[sub.ID] = sub
	s.persistLocked()
	return sub, true, nil
}

func (s *Store) Unsubscribe(userID int64, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.subscriptions {
		if existing.UserID == userID && existing.Endpoint == endpoint {
			delete(s.subscriptions, id)
			s.persistLocked()
			return nil
		}
	}
	return ErrNotFound
}

// ListSubscriptions returns the user's subscriptions, most recently used
// first.
func (s *Store) ListSubscriptions(userID int64) []PushSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PushSubscription, 0)
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].LastUsedAt.After(out[j].LastUsedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Store) GetSubscription(subscriptionID int64) (PushSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return PushSubscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *Store) DeleteSubscription(subscriptionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[subscriptionID]; !ok {
		return ErrNotFound
	}
	delete(s.subscriptions, subscriptionID)
	s.persistLocked()
	return nil
}

func (s *Store) TouchSubscription(subscriptionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	sub.LastUsedAt = s.clock()
	s.subscriptions[subscriptionID] = sub
	s.persistLocked()
	return nil
}

func (s *Store) decorateItemLocked(item ShoppingItem) ShoppingItem {
	item.AddedByName = s.usernameLocked(item.AddedBy)
	item.CheckedByName = s.usernameLocked(item.CheckedBy)
	return item
}

func (s *Store) usernameLocked(userID int64) string {
	if rec, ok := s.users[userID]; ok {
		return rec.Username
	}
	return ""
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.Users != nil {
		s.users = snapshot.Users
	}
	if snapshot.Lists != nil {
		s.lists = snapshot.Lists
	}
	if snapshot.Items != nil {
		s.items = snapshot.Items
	}
	if len(snapshot.Categories) > 0 {
		s.categories = snapshot.Categories
	}
	if snapshot.Events != nil {
		s.events = snapshot.Events
	}
	if snapshot.Subscriptions != nil {
		s.subscriptions = snapshot.Subscriptions
	}
	s.userSeq = snapshot.UserSeq
	s.listSeq = snapshot.ListSeq
	s.itemSeq = snapshot.ItemSeq
	s.eventSeq = snapshot.EventSeq
	s.subSeq = snapshot.SubSeq
	return nil
}

func (s *Store) persistLocked() {
	if s.stateBackend == nil {
		return
	}
	snapshot := persistedState{
		UserSeq:       s.userSeq,
		ListSeq:       s.listSeq,
		ItemSeq:       s.itemSeq,
		EventSeq:      s.eventSeq,
		SubSeq:        s.subSeq,
		Users:         s.users,
		Lists:         s.lists,
		Items:         s.items,
		Categories:    s.categories,
		Events:        s.events,
		Subscriptions: s.subscriptions,
	}
	if err := s.stateBackend.Save(&snapshot); err != nil {
		s.logf("familysync: save state failed: %v", err)
	}
}
