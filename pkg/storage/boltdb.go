package storage

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/cogsled/cogsled/pkg/types"
)

var servicesBucket = []byte("services")

// BoltCatalog is the default Catalog implementation, backing the service
// catalog with a single bbolt bucket keyed by service name.
type BoltCatalog struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt-backed catalog at path.
func OpenBolt(path string) (*BoltCatalog, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open catalog db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(servicesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog db: %w", err)
	}
	return &BoltCatalog{db: db}, nil
}

func (c *BoltCatalog) List() ([]types.ServiceConfig, error) {
	var rows []types.ServiceConfig
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(servicesBucket)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.ServiceConfig
			if err := yaml.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("decode catalog row %s: %w", k, err)
			}
			rows = append(rows, cfg)
			return nil
		})
	})
	return rows, err
}

func (c *BoltCatalog) Get(name string) (types.ServiceConfig, bool, error) {
	var cfg types.ServiceConfig
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(servicesBucket).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return yaml.Unmarshal(v, &cfg)
	})
	return cfg, found, err
}

func (c *BoltCatalog) Put(cfg types.ServiceConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode catalog row %s: %w", cfg.Name, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(servicesBucket).Put([]byte(cfg.Name), data)
	})
}

func (c *BoltCatalog) Delete(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(servicesBucket).Delete([]byte(name))
	})
}

func (c *BoltCatalog) Close() error {
	return c.db.Close()
}
