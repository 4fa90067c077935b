package storage

import (
	"bytes"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var _ Store = (*s3Store)(nil)

type s3Store struct {
	profile string
	region  string
	bucket  string
	client  *s3.S3
}

// NewS3Store builds the remote side of a synced deployment. The client is
// created lazily so that constructing a store does not require credentials
// to be present.
func NewS3Store(profile, region, bucket string) Store {
	return &s3Store{
		profile: profile,
		region:  region,
		bucket:  bucket,
	}
}

func (s *s3Store) Get(key Key) (contents Value, err error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}
	output, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(key)),
	})
	if err != nil {
		if rfErr, ok := err.(awserr.RequestFailure); ok {
			if rfErr.StatusCode() == http.StatusNotFound {
				return nil, errors.Wrapf(ErrNotFound, "key=%q err=%+v", key, err)
			}
		}
		return nil, err
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			log.WithFields(log.Fields{
				"op":  "get",
				"key": key,
			}).Warning("Could not close response body")
		}
	}()
	return io.ReadAll(output.Body)
}

func (s *s3Store) Put(key Key, value Value) (err error) {
	err = s.ensureClient()
	if err == nil {
		_, err = s.client.PutObject(&s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(string(key)),
			Body:   bytes.NewReader(value),
		})
	}
	return
}

func (s *s3Store) Delete(key Key) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(key)),
	})
	return err
}

func (s *s3Store) ensureClient() error {
	if s.client != nil {
		return nil
	}
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(s.region),
		Credentials: credentials.NewSharedCredentials("", s.profile),
	})
	if err != nil {
		return err
	}
	s.client = s3.New(sess)
	return nil
}
