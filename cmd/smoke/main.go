// Command smoke checks that the promoter's upstreams are reachable with the
// current configuration: Redis, the staging layer, PocketBase and Kafka.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/feature-promotion/internal/baas"
	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis"
	"github.com/mohammed-shakir/feature-promotion/internal/core/config"
	"github.com/mohammed-shakir/feature-promotion/internal/core/httpclient"
	"github.com/mohammed-shakir/feature-promotion/internal/credential"
	"github.com/mohammed-shakir/feature-promotion/internal/events"
)

func testRedis(ctx context.Context, addr string) error {
	fmt.Println("Redis test")
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if err := client.Set(ctx, "smoke:hello", "world", 30*time.Second).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	val, err := client.Get(ctx, "smoke:hello").Result()
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	fmt.Println("redis GET smoke:hello:", val)
	return nil
}

func testStaging(ctx context.Context, cfg config.Config) error {
	fmt.Println("Staging layer test")
	client := httpclient.NewOutbound(cfg.UpstreamTimeout)
	broker, err := credential.New(credential.Config{
		ClientID:     cfg.ArcGIS.ClientID,
		ClientSecret: cfg.ArcGIS.ClientSecret,
		TokenURL:     cfg.ArcGIS.TokenURL,
		Server:       cfg.ArcGIS.PortalURL,
	}, client, nil)
	if err != nil {
		return err
	}
	cred, err := broker.Token(ctx)
	if err != nil {
		return err
	}
	fmt.Println("token:", cred)

	layer, err := arcgis.NewLayer("staging", cfg.ArcGIS.StagingURL, client, nil, cfg.ArcGIS.ObjectIDField)
	if err != nil {
		return err
	}
	ids, err := layer.WithToken(cred.AccessToken).QueryIDs(ctx, arcgis.Query{})
	if err != nil {
		return fmt.Errorf("query ids: %w", err)
	}
	fmt.Println("staging features:", len(ids))
	return nil
}

func testPocketBase(ctx context.Context, cfg config.Config) error {
	fmt.Println("PocketBase test")
	bc, err := baas.New(cfg.PocketBaseURL, cfg.MuseumCollection, httpclient.NewOutbound(cfg.UpstreamTimeout), nil)
	if err != nil {
		return err
	}
	return bc.Ready(ctx)
}

// testKafka produces a no-op museum event and reads it back.
func testKafka(brokers []string, topic string) error {
	fmt.Println("Kafka test")

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V2_5_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("consumer create: %w", err)
	}
	defer func() { _ = consumer.Close() }()
	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("consume partition: %w", err)
	}
	defer func() { _ = pc.Close() }()

	ev := events.MuseumEvent{
		Op:       "update",
		MuseumID: "smoke",
		Users:    []string{"smoke-check"},
		Version:  uint64(time.Now().UnixNano()),
		TS:       time.Now().UTC(),
	}
	msg, _ := json.Marshal(ev)
	part, off, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic, Key: sarama.StringEncoder(ev.MuseumID), Value: sarama.ByteEncoder(msg),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Printf("produced to partition %d offset %d\n", part, off)

	if part != 0 {
		fmt.Println("message landed on another partition; skipping read-back")
		return nil
	}
	select {
	case m := <-pc.Messages():
		fmt.Println("consumed:", string(m.Value))
	case <-time.After(5 * time.Second):
		return errors.New("no message consumed (timeout)")
	}
	return nil
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("config:", err)
		os.Exit(2)
	}

	failed := false
	check := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Println(name, "error:", err)
		}
	}
	if cfg.RedisEnabled {
		check("Redis", testRedis(ctx, cfg.RedisAddr))
	}
	check("Staging", testStaging(ctx, cfg))
	check("PocketBase", testPocketBase(ctx, cfg))
	if cfg.Kafka.MuseumEnabled || cfg.Kafka.PromotionEnabled {
		check("Kafka", testKafka(cfg.Kafka.Brokers, cfg.Kafka.MuseumTopic))
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("All checks passed")
}
