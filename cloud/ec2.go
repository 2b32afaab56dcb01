package cloud

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// instanceNotFoundCode is returned by EC2 when the instance never existed or
// was already terminated and aged out.
const instanceNotFoundCode = "InvalidInstanceID.NotFound"

type ec2Provisioner struct {
	client *ec2.EC2
}

// NewEC2Provisioner builds a Provisioner backed by EC2 with static
// credentials.
func NewEC2Provisioner(region, keyID, secret string) (Provisioner, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(keyID, secret, ""),
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return &ec2Provisioner{client: ec2.New(sess)}, nil
}

func (p *ec2Provisioner) Create(ctx context.Context, opts CreateOptions) (*Host, error) {
	grip.Info(message.Fields{
		"message":       "creating build host",
		"ami":           opts.AMI,
		"instance_type": opts.InstanceType,
		"name":          opts.Name,
	})

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(opts.AMI),
		InstanceType: aws.String(opts.InstanceType),
		KeyName:      aws.String(opts.KeyName),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags: []*ec2.Tag{{
				Key:   aws.String("Name"),
				Value: aws.String(opts.Name),
			}},
		}},
	}
	if opts.SecurityGroup != "" {
		input.SecurityGroupIds = []*string{aws.String(opts.SecurityGroup)}
	}

	reservation, err := p.client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "requesting build host")
	}
	if len(reservation.Instances) == 0 {
		return nil, errors.New("reservation returned no instances")
	}
	instance := reservation.Instances[0]

	return &Host{ID: aws.StringValue(instance.InstanceId)}, nil
}

func (p *ec2Provisioner) WaitReady(ctx context.Context, hostID string) error {
	grip.Info(message.Fields{
		"message": "waiting for build host to pass status checks",
		"host_id": hostID,
	})
	input := &ec2.DescribeInstanceStatusInput{
		InstanceIds: []*string{aws.String(hostID)},
	}
	if err := p.client.WaitUntilInstanceStatusOkWithContext(ctx, input); err != nil {
		return errors.Wrapf(err, "waiting for host '%s'", hostID)
	}
	return nil
}

// Address resolves the public IP of a provisioned host once it is running.
func (p *ec2Provisioner) Address(ctx context.Context, hostID string) (string, error) {
	output, err := p.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(hostID)},
	})
	if err != nil {
		return "", errors.Wrapf(err, "describing host '%s'", hostID)
	}
	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			if addr := aws.StringValue(instance.PublicIpAddress); addr != "" {
				return addr, nil
			}
		}
	}
	return "", errors.Errorf("host '%s' has no public address", hostID)
}

func (p *ec2Provisioner) Destroy(ctx context.Context, hostID string) error {
	_, err := p.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(hostID)},
	})
	if err != nil {
		awsErr := awserr.Error(nil)
		if errors.As(err, &awsErr) && awsErr.Code() == instanceNotFoundCode {
			grip.Info(message.Fields{
				"message": "host already destroyed",
				"host_id": hostID,
			})
			return nil
		}
		return errors.Wrapf(err, "terminating host '%s'", hostID)
	}
	grip.Info(message.Fields{
		"message": "destroyed build host",
		"host_id": hostID,
	})
	return nil
}
